// Package orchestrator runs one interview connection: it gates candidate audio into the
// transcriber, decides when an answer is complete, and drives the interviewer's next turn
// through the answer processor and speech synthesis.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chadiek/interview-voice/internal/audio"
	"github.com/chadiek/interview-voice/internal/config"
	"github.com/chadiek/interview-voice/internal/logging"
	"github.com/chadiek/interview-voice/internal/metrics"
	"github.com/chadiek/interview-voice/internal/protocol"
	"github.com/chadiek/interview-voice/internal/store"
	"github.com/chadiek/interview-voice/internal/transcript"
)

const (
	segmentQueueSize = 64
	connectTimeout   = 10 * time.Second
	sendTimeout      = 5 * time.Second
)

type Config struct {
	ProcessingTimeout       time.Duration
	InactivityTimeout       time.Duration
	InactivityCheckInterval time.Duration
	HeartbeatInterval       time.Duration
	FinalizeGrace           time.Duration
	EndpointCheckInterval   time.Duration
	MaxErrors               int
	MinBehavioralAnswers    int
	MaxAnswers              int
	MinAnswerChars          int
	FlushThresholdBytes     int
	BufferCapBytes          int
	Endpoint                audio.EndpointConfig
	// CodingInterviewTypes move to the coding phase after MinBehavioralAnswers.
	CodingInterviewTypes []string
}

// ConfigFrom maps the loaded tunables onto an orchestrator Config.
func ConfigFrom(iv config.Interview) Config {
	return Config{
		ProcessingTimeout:       iv.ProcessingTimeout,
		InactivityTimeout:       iv.InactivityTimeout,
		InactivityCheckInterval: iv.InactivityCheckInterval,
		HeartbeatInterval:       iv.HeartbeatInterval,
		FinalizeGrace:           iv.FinalizeGrace,
		MaxErrors:               iv.MaxErrors,
		MinBehavioralAnswers:    iv.MinBehavioralAnswers,
		MaxAnswers:              iv.MaxAnswers,
		MinAnswerChars:          iv.MinAnswerChars,
		FlushThresholdBytes:     iv.FlushThresholdBytes,
		BufferCapBytes:          iv.BufferCapBytes,
		Endpoint: audio.EndpointConfig{
			VoiceRMS:              iv.VADVoiceRMS,
			Silence:               iv.VADSilence,
			ContinuationExtension: iv.VADContinuation,
		},
	}
}

func (c Config) withDefaults() Config {
	d := ConfigFrom(config.DefaultInterview())
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = d.InactivityTimeout
	}
	if c.InactivityCheckInterval <= 0 {
		c.InactivityCheckInterval = d.InactivityCheckInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.FinalizeGrace < 0 {
		c.FinalizeGrace = 0
	}
	if c.EndpointCheckInterval <= 0 {
		c.EndpointCheckInterval = 100 * time.Millisecond
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	if c.MinBehavioralAnswers <= 0 {
		c.MinBehavioralAnswers = d.MinBehavioralAnswers
	}
	if c.MaxAnswers <= 0 {
		c.MaxAnswers = d.MaxAnswers
	}
	if c.MinAnswerChars <= 0 {
		c.MinAnswerChars = d.MinAnswerChars
	}
	if c.FlushThresholdBytes <= 0 {
		c.FlushThresholdBytes = d.FlushThresholdBytes
	}
	if c.BufferCapBytes <= 0 {
		c.BufferCapBytes = d.BufferCapBytes
	}
	if len(c.CodingInterviewTypes) == 0 {
		c.CodingInterviewTypes = []string{"dsa"}
	}
	return c
}

type Dependencies struct {
	Transport      Transport
	Store          store.Store
	Processor      AnswerProcessor
	Synthesizer    Synthesizer
	NewTranscriber TranscriberFactory
	// Optional.
	SynthesizerName string
	Archiver        Archiver
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	ConnID          string
}

// closeError is the cancellation cause carrying the close frame to send.
type closeError struct {
	reason protocol.CloseReason
	err    error
}

func (e *closeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("close %d (%s): %v", e.reason.Code, e.reason.Text, e.err)
	}
	return fmt.Sprintf("close %d (%s)", e.reason.Code, e.reason.Text)
}

func (e *closeError) Unwrap() error { return e.err }

// Orchestrator owns one connection. Create it with New and call Run once.
type Orchestrator struct {
	cfg       Config
	sessionID string
	connID    string

	transport   Transport
	store       store.Store
	processor   AnswerProcessor
	synth       Synthesizer
	synthName   string
	newTr       TranscriberFactory
	archiver    Archiver
	metrics     *metrics.Metrics
	logger      *slog.Logger
	transcriber Transcriber

	ctx    context.Context
	cancel context.CancelCauseFunc

	acc        *audio.Accumulator
	endpointer *audio.Endpointer
	segments   chan transcript.Segment

	// processing admits one answer/skip/greeting cycle at a time.
	processing sync.Mutex
	cycles     sync.WaitGroup

	mu           sync.Mutex
	state        TurnState
	pending      pendingAnswer
	lastText     string
	finalizing   bool
	speechGen    uint64
	session      *store.Session
	lastActivity time.Time
	started      bool

	closeOnce sync.Once
	now       func() time.Time
}

func New(sessionID string, cfg Config, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Transport == nil:
		return nil, errors.New("orchestrator: transport is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Processor == nil:
		return nil, errors.New("orchestrator: answer processor is required")
	case deps.Synthesizer == nil:
		return nil, errors.New("orchestrator: synthesizer is required")
	case deps.NewTranscriber == nil:
		return nil, errors.New("orchestrator: transcriber factory is required")
	}
	cfg = cfg.withDefaults()
	if deps.SynthesizerName == "" {
		deps.SynthesizerName = "tts"
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		sessionID:  sessionID,
		connID:     deps.ConnID,
		transport:  deps.Transport,
		store:      deps.Store,
		processor:  deps.Processor,
		synth:      deps.Synthesizer,
		synthName:  deps.SynthesizerName,
		newTr:      deps.NewTranscriber,
		archiver:   deps.Archiver,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "orchestrator", "session_id", sessionID, "conn_id", deps.ConnID),
		ctx:        ctx,
		cancel:     cancel,
		acc:        audio.NewAccumulator(cfg.FlushThresholdBytes, cfg.BufferCapBytes),
		endpointer: audio.NewEndpointer(cfg.Endpoint),
		segments:   make(chan transcript.Segment, segmentQueueSize),
		now:        time.Now,
	}
	o.state.Phase = PhaseGreeting
	o.lastActivity = o.now()
	return o, nil
}

// Run serves the connection until it closes. It returns nil for normal endings and client
// disconnects, and a sentinel error when the server ended the connection.
func (o *Orchestrator) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		o.terminate(protocol.CloseGoingAway, context.Cause(ctx))
	})
	defer stop()

	if o.ctx.Err() != nil {
		o.cleanup()
		return nil
	}

	resume, err := o.loadSession()
	if err != nil {
		return err
	}

	tr := o.newTr(o.onSegment)
	o.mu.Lock()
	o.transcriber = tr
	o.mu.Unlock()
	cctx, cancel := context.WithTimeout(o.ctx, connectTimeout)
	err = tr.Connect(cctx)
	cancel()
	if err != nil {
		o.logger.Error("failed to connect transcriber", "error", err)
		o.metrics.Error("transcription")
		o.send(protocol.NewError("Failed to connect to speech service"))
		err = fmt.Errorf("%w: %v", ErrTranscriberUnavailable, err)
		o.terminate(protocol.CloseInternalError, err)
		o.cleanup()
		return err
	}

	o.mu.Lock()
	o.started = true
	o.mu.Unlock()
	o.metrics.SessionStarted()
	o.logger.Info("interview connection started", "phase", string(o.State().Phase), "resume", resume)

	o.send(protocol.NewConnected(o.sessionID))
	o.send(protocol.NewStatus(protocol.StatusConnected))

	g, gctx := errgroup.WithContext(o.ctx)
	g.Go(func() error { return o.receiveLoop(gctx) })
	g.Go(func() error { return o.consumeSegments(gctx) })
	g.Go(func() error { return o.heartbeat(gctx) })
	g.Go(func() error { return o.watchInactivity(gctx) })
	g.Go(func() error { return o.watchEndpoint(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		o.cleanup()
		return nil
	})

	if resume {
		o.send(protocol.NewPhaseChange(string(o.State().Phase)))
		o.send(protocol.NewStatus(protocol.StatusListening))
	} else {
		o.spawn(o.greet)
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("connection loop failed", "error", err)
	}
	o.cycles.Wait()
	return o.result()
}

// loadSession reads the session and primes the local mirror. It reports whether an
// interview in progress is being resumed.
func (o *Orchestrator) loadSession() (bool, error) {
	sess, err := o.store.Get(o.ctx, o.sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidID):
		o.logger.Warn("session not found")
		o.send(protocol.NewError("Session not found"))
		o.terminate(protocol.CloseSessionNotFound, ErrSessionNotFound)
		o.cleanup()
		return false, ErrSessionNotFound
	case err != nil:
		o.logger.Error("failed to load session", "error", err)
		o.send(protocol.NewError("Failed to load session"))
		err = fmt.Errorf("load session: %w", err)
		o.terminate(protocol.CloseInternalError, err)
		o.cleanup()
		return false, err
	}
	if sess.Status == store.StatusCompleted || Phase(sess.Phase) == PhaseEnded {
		o.send(protocol.NewError("Interview already completed"))
		o.terminate(protocol.CloseNormal, ErrInterviewEnded)
		o.cleanup()
		return false, ErrInterviewEnded
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = sess
	if sess.StartedAt.IsZero() {
		o.session.StartedAt = o.now().UTC()
	}
	if Phase(sess.Phase).resumable() {
		o.state.Phase = Phase(sess.Phase)
		return true, nil
	}
	o.state.Phase = PhaseGreeting
	return false, nil
}

// Stop ends the connection with reason. Safe to call from any goroutine, any number of times.
func (o *Orchestrator) Stop(reason protocol.CloseReason) {
	o.terminate(reason, nil)
}

// Close stops the connection with a normal close and releases its resources. Repeated calls
// are no-ops.
func (o *Orchestrator) Close() error {
	o.terminate(protocol.CloseNormal, nil)
	o.cleanup()
	return nil
}

// State returns a snapshot of the turn flags.
func (o *Orchestrator) State() TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.Pending = o.pending.text()
	return s
}

// terminate records the first close reason and cancels every loop and cycle.
func (o *Orchestrator) terminate(reason protocol.CloseReason, err error) {
	o.cancel(&closeError{reason: reason, err: err})
}

func (o *Orchestrator) closeReason() protocol.CloseReason {
	var ce *closeError
	if errors.As(context.Cause(o.ctx), &ce) {
		return ce.reason
	}
	return protocol.CloseNormal
}

func (o *Orchestrator) result() error {
	var ce *closeError
	if !errors.As(context.Cause(o.ctx), &ce) || ce.err == nil {
		return nil
	}
	for _, target := range []error{ErrTooManyErrors, ErrInactive, ErrSessionNotFound, ErrTranscriberUnavailable, ErrInterviewEnded, ErrFrameTooLarge} {
		if errors.Is(ce.err, target) {
			return ce.err
		}
	}
	return nil
}

// cleanup runs once: it stops the transcriber, drops buffered state and closes the client
// connection with the recorded reason.
func (o *Orchestrator) cleanup() {
	o.closeOnce.Do(func() {
		o.cancel(nil)
		reason := o.closeReason()

		o.mu.Lock()
		tr := o.transcriber
		o.mu.Unlock()
		if tr != nil {
			if err := tr.Close(); err != nil {
				o.logger.Debug("transcriber close", "error", err)
			}
		}
		if p, ok := o.synth.(interface{ Purge() }); ok {
			p.Purge()
		}
		o.acc.Reset()
		o.endpointer.Reset()

		o.mu.Lock()
		o.pending.reset()
		o.state.AISpeaking = false
		started := o.started
		o.mu.Unlock()

		if err := o.transport.Close(reason); err != nil {
			o.logger.Debug("transport close", "error", err)
		}
		if started {
			o.metrics.SessionEnded(strconv.Itoa(reason.Code))
		}
		o.logger.Info("interview connection closed", "close_code", reason.Code, "reason", reason.Text)
	})
}

// send writes one frame. A failed write means the client is gone.
func (o *Orchestrator) send(v any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), sendTimeout)
	defer cancel()
	if err := o.transport.Send(ctx, v); err != nil {
		if o.ctx.Err() == nil {
			o.logger.Debug("send failed", "error", err)
			o.terminate(protocol.CloseClientGone, err)
		}
	}
}

func (o *Orchestrator) touch() {
	o.mu.Lock()
	o.lastActivity = o.now()
	o.mu.Unlock()
}

// spawn runs a processing cycle tied to the connection lifetime.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	if o.ctx.Err() != nil {
		return
	}
	o.cycles.Add(1)
	go func() {
		defer o.cycles.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("processing cycle panicked", "panic", r)
				o.metrics.Error("panic")
			}
		}()
		fn(o.ctx)
	}()
}

func (o *Orchestrator) receiveLoop(ctx context.Context) error {
	for {
		frame, err := o.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, ErrFrameTooLarge) {
				o.logger.Warn("closing connection after oversized frame", "error", err)
				o.metrics.FrameDropped("too_large")
				o.terminate(protocol.CloseMessageTooBig, err)
				return nil
			}
			if ctx.Err() == nil {
				o.logger.Info("client disconnected", "error", err)
				o.terminate(protocol.CloseClientGone, err)
			}
			return nil
		}
		o.touch()
		if frame.Binary {
			o.handleAudio(frame.Data)
			continue
		}
		o.handleMessage(frame.Data)
	}
}

// onSegment is called from the transcriber's read loop.
func (o *Orchestrator) onSegment(seg transcript.Segment) {
	select {
	case o.segments <- seg:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) consumeSegments(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case seg := <-o.segments:
			text := strings.TrimSpace(seg.Text)
			if seg.SpeechFinal {
				o.logger.Debug("provider reported speech final", "text", text)
			}
			if text == "" {
				continue
			}
			o.mu.Lock()
			if seg.IsFinal {
				o.pending.addFinal(text)
			} else {
				o.pending.setInterim(text)
			}
			o.lastText = text
			o.lastActivity = o.now()
			o.mu.Unlock()
			o.send(protocol.NewTranscript(text, seg.IsFinal))
		}
	}
}

func (o *Orchestrator) heartbeat(ctx context.Context) error {
	t := time.NewTicker(o.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			o.send(protocol.NewHeartbeat())
		}
	}
}

func (o *Orchestrator) watchInactivity(ctx context.Context) error {
	t := time.NewTicker(o.cfg.InactivityCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			o.mu.Lock()
			idle := o.now().Sub(o.lastActivity)
			o.mu.Unlock()
			if idle >= o.cfg.InactivityTimeout {
				o.logger.Info("closing inactive connection", "idle", idle.String())
				o.send(protocol.NewError("Connection timeout due to inactivity"))
				o.terminate(protocol.CloseTimeout, ErrInactive)
				return nil
			}
		}
	}
}

// watchEndpoint finalizes an answer when the candidate has gone quiet after speaking.
func (o *Orchestrator) watchEndpoint(ctx context.Context) error {
	t := time.NewTicker(o.cfg.EndpointCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			o.mu.Lock()
			ready := o.state.Phase.interviewing() && !o.state.Processing && !o.state.AISpeaking &&
				!o.finalizing && !o.pending.empty()
			lastText := o.lastText
			o.mu.Unlock()
			if ready && o.endpointer.Ended(o.now(), lastText) {
				o.endpointer.Reset()
				o.requestFinalize("silence")
			}
		}
	}
}
