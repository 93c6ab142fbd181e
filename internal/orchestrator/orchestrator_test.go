package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/interview-voice/internal/audio"
	"github.com/chadiek/interview-voice/internal/protocol"
	"github.com/chadiek/interview-voice/internal/question"
	"github.com/chadiek/interview-voice/internal/store"
	"github.com/chadiek/interview-voice/internal/transcript"
)

const waitTimeout = 2 * time.Second

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	in       chan Frame
	closedCh chan struct{}
	// fail makes Receive return recvErr once closed.
	fail    chan struct{}
	recvErr error

	mu     sync.Mutex
	sent   []map[string]any
	closes int
	reason protocol.CloseReason
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan Frame, 64), closedCh: make(chan struct{}), fail: make(chan struct{})}
}

func (f *fakeTransport) Receive(ctx context.Context) (Frame, error) {
	select {
	case fr := <-f.in:
		return fr, nil
	case <-f.fail:
		return Frame{}, f.recvErr
	case <-f.closedCh:
		return Frame{}, errTransportClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (f *fakeTransport) Send(_ context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return errTransportClosed
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) Close(reason protocol.CloseReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closes == 1 {
		f.reason = reason
		close(f.closedCh)
	}
	return nil
}

func (f *fakeTransport) closeState() (int, protocol.CloseReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes, f.reason
}

func (f *fakeTransport) find(typ string, match func(map[string]any) bool) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.sent {
		if m["type"] == typ && (match == nil || match(m)) {
			return m, true
		}
	}
	return nil, false
}

func (f *fakeTransport) count(typ string, match func(map[string]any) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m["type"] == typ && (match == nil || match(m)) {
			n++
		}
	}
	return n
}

// index returns the position of the first matching frame at or after from, or -1.
func (f *fakeTransport) index(from int, typ string, match func(map[string]any) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := from; i < len(f.sent); i++ {
		if m := f.sent[i]; m["type"] == typ && (match == nil || match(m)) {
			return i
		}
	}
	return -1
}

func withStatus(status string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["status"] == status }
}

func (f *fakeTransport) waitFor(t *testing.T, typ string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	var got map[string]any
	require.Eventually(t, func() bool {
		m, ok := f.find(typ, match)
		got = m
		return ok
	}, waitTimeout, 5*time.Millisecond, "no %q message matched", typ)
	return got
}

func withMessage(text string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["message"] == text }
}

func withPhase(phase string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["phase"] == phase }
}

func withText(text string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["text"] == text }
}

func questionText(text string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		q, _ := m["question"].(map[string]any)
		return q != nil && (q["question"] == text || q["title"] == text)
	}
}

type fakeTranscriber struct {
	mu         sync.Mutex
	onSegment  func(transcript.Segment)
	audio      [][]byte
	finalizes  int
	closes     int
	connectErr error
}

func (f *fakeTranscriber) factory(on func(transcript.Segment)) Transcriber {
	f.mu.Lock()
	f.onSegment = on
	f.mu.Unlock()
	return f
}

func (f *fakeTranscriber) Connect(context.Context) error { return f.connectErr }

func (f *fakeTranscriber) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeTranscriber) Finalize() error {
	f.mu.Lock()
	f.finalizes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscriber) emit(text string, final bool) {
	f.mu.Lock()
	on := f.onSegment
	f.mu.Unlock()
	on(transcript.Segment{Text: text, IsFinal: final})
}

func (f *fakeTranscriber) audioBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.audio {
		n += len(a)
	}
	return n
}

func (f *fakeTranscriber) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeSynth struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	texts []string
}

func (f *fakeSynth) ContentType() string { return "audio/test" }

func (f *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	err, gate := f.err, f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte("audio:" + text), nil
}

func encoded(text string) string { return base64.StdEncoding.EncodeToString([]byte("audio:" + text)) }

type fakeProcessor struct {
	mu        sync.Mutex
	answers   []string
	nexts     int
	greetings int
	greetErr  error
	summaries []question.Summary
	process   func(ctx context.Context, answer string) (question.Artifact, error)

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *fakeProcessor) GenerateGreeting(_ context.Context, name, _ string) (string, error) {
	p.mu.Lock()
	p.greetings++
	err := p.greetErr
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "Welcome " + name, nil
}

func (p *fakeProcessor) ProcessAnswer(ctx context.Context, _ string, answer string) (question.Artifact, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	p.mu.Lock()
	p.answers = append(p.answers, answer)
	count := len(p.answers)
	process := p.process
	p.mu.Unlock()
	if process != nil {
		return process(ctx, answer)
	}
	return question.Plain{Text: fmt.Sprintf("Follow-up %d", count), Kind: question.KindFollowUp}, nil
}

func (p *fakeProcessor) NextQuestion(context.Context, string) (question.Artifact, error) {
	p.mu.Lock()
	p.nexts++
	p.mu.Unlock()
	return question.Plain{Text: "A different question", Kind: question.KindSkipped}, nil
}

func (p *fakeProcessor) GenerateFeedback(_ context.Context, s question.Summary) (question.Feedback, error) {
	p.mu.Lock()
	p.summaries = append(p.summaries, s)
	p.mu.Unlock()
	return question.Feedback{Text: "Great job"}, nil
}

func (p *fakeProcessor) answersSeen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.answers...)
}

func (p *fakeProcessor) answerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.answers)
}

type fakeArchiver struct {
	mu       sync.Mutex
	sessions []*store.Session
}

func (a *fakeArchiver) Archive(_ context.Context, sess *store.Session, _ question.Feedback) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, sess)
	return sess.ID + "/archived.json", nil
}

type harness struct {
	o     *Orchestrator
	tr    *fakeTransport
	stt   *fakeTranscriber
	synth *fakeSynth
	proc  *fakeProcessor
	store *store.MemoryStore
	arch  *fakeArchiver

	finished chan struct{}
	runErr   error
}

func testConfig() Config {
	return Config{
		ProcessingTimeout:       2 * time.Second,
		InactivityTimeout:       time.Hour,
		InactivityCheckInterval: time.Hour,
		HeartbeatInterval:       time.Hour,
		FinalizeGrace:           5 * time.Millisecond,
		EndpointCheckInterval:   10 * time.Millisecond,
		FlushThresholdBytes:     4,
		Endpoint:                audio.EndpointConfig{Silence: time.Hour},
	}
}

func behavioralSession(t *testing.T) *store.Session {
	t.Helper()
	sess := &store.Session{ID: "sess-1", UserID: "ada", InterviewType: "behavioral", Status: store.StatusActive}
	require.NoError(t, sess.AppendQuestion(question.Plain{Text: "Tell me about a project you led."}))
	return sess
}

func newHarness(t *testing.T, sess *store.Session, cfg Config) *harness {
	t.Helper()
	h := &harness{
		tr:       newFakeTransport(),
		stt:      &fakeTranscriber{},
		synth:    &fakeSynth{},
		proc:     &fakeProcessor{},
		arch:     &fakeArchiver{},
		finished: make(chan struct{}),
	}
	if sess != nil {
		h.store = store.NewMemoryStore(sess)
	} else {
		h.store = store.NewMemoryStore()
	}
	o, err := New("sess-1", cfg, Dependencies{
		Transport:      h.tr,
		Store:          h.store,
		Processor:      h.proc,
		Synthesizer:    h.synth,
		NewTranscriber: h.stt.factory,
		Archiver:       h.arch,
		ConnID:         "conn-1",
	})
	require.NoError(t, err)
	h.o = o
	return h
}

func (h *harness) run(t *testing.T) *harness {
	t.Helper()
	go func() {
		h.runErr = h.o.Run(context.Background())
		close(h.finished)
	}()
	t.Cleanup(func() {
		_ = h.o.Close()
		h.wait(t)
	})
	return h
}

func start(t *testing.T, sess *store.Session, cfg Config) *harness {
	t.Helper()
	return newHarness(t, sess, cfg).run(t)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.finished:
		return h.runErr
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
		return nil
	}
}

func (h *harness) client(typ string) {
	h.tr.in <- Frame{Data: []byte(`{"type":"` + typ + `"}`)}
}

func (h *harness) idle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.o.State().Processing }, waitTimeout, 5*time.Millisecond)
}

// say delivers a final transcript and waits for it to be echoed to the client.
func (h *harness) say(t *testing.T, text string) {
	t.Helper()
	h.stt.emit(text, true)
	h.tr.waitFor(t, protocol.TypeTranscript, withText(text))
}

// toBehavioral plays the greeting exchange and leaves the interview on its first question.
func (h *harness) toBehavioral(t *testing.T) {
	t.Helper()
	h.tr.waitFor(t, protocol.TypeQuestion, questionText("Welcome ada"))
	h.idle(t)
	h.client(protocol.TypePlaybackEnded)
	h.say(t, "Hi, I'm Ada and I build APIs.")
	h.client(protocol.TypeAnswerComplete)
	h.tr.waitFor(t, protocol.TypeQuestion, questionText("Tell me about a project you led."))
	h.idle(t)
	h.client(protocol.TypePlaybackEnded)
}

func loudPCM(samples int) []byte {
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(int16(8000)))
	}
	return b
}

func TestPendingAnswer(t *testing.T) {
	var p pendingAnswer
	assert.True(t, p.empty())
	p.addFinal("hello")
	p.addFinal("  world ")
	p.setInterim("!")
	assert.Equal(t, "hello world !", p.text())
	assert.Equal(t, "hello world !", p.take())
	assert.True(t, p.empty())

	p.setInterim("partial")
	p.addFinal("complete sentence")
	assert.Equal(t, "complete sentence", p.text(), "a final replaces the interim it completes")
	p.addFinal("   ")
	assert.Equal(t, "complete sentence", p.text())
}

func TestMeaningfulChars(t *testing.T) {
	assert.Equal(t, 2, meaningfulChars("ok"))
	assert.Equal(t, 0, meaningfulChars(" ... !"))
	assert.Equal(t, 4, meaningfulChars("é 1 2 a"))
}

func TestCallBounded_TimesOutIgnoringProcessor(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	start := time.Now()
	_, err := callBounded(context.Background(), 20*time.Millisecond, func(context.Context) (string, error) {
		<-block
		return "late", nil
	})
	assert.ErrorIs(t, err, ErrProcessingTimeout)
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = callBounded(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrProcessingTimeout)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New("s", Config{}, Dependencies{})
	assert.Error(t, err)
}

func TestRun_HappyPath(t *testing.T) {
	h := start(t, behavioralSession(t), testConfig())

	connected := h.tr.waitFor(t, protocol.TypeConnected, nil)
	assert.Equal(t, "sess-1", connected["session_id"])

	greet := h.tr.waitFor(t, protocol.TypeQuestion, questionText("Welcome ada"))
	assert.Equal(t, "greeting", greet["phase"])
	assert.Equal(t, encoded("Welcome ada"), greet["audio"])
	assert.Equal(t, "audio/test", greet["audio_content_type"])
	assert.True(t, h.o.State().AISpeaking)

	h.toBehavioral(t)
	h.tr.waitFor(t, protocol.TypePhaseChange, withPhase("behavioral"))
	assert.Zero(t, h.proc.answerCount(), "the introduction is not an answer")

	h.say(t, "I led the payments migration.")
	h.client(protocol.TypeAnswerComplete)
	next := h.tr.waitFor(t, protocol.TypeQuestion, questionText("Follow-up 1"))
	assert.Equal(t, "behavioral", next["phase"])
	assert.Equal(t, []string{"I led the payments migration."}, h.proc.answersSeen())

	stored, err := h.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, stored.Responses, 1)
	assert.Equal(t, "Tell me about a project you led.", stored.Responses[0].Question)
	assert.Equal(t, "I led the payments migration.", stored.Responses[0].Answer)
	assert.Equal(t, "behavioral", stored.Responses[0].Phase)
	assert.Len(t, stored.Questions, 2)
	assert.Equal(t, 1, stored.CurrentQuestionIndex)

	h.idle(t)
	h.client(protocol.TypeEndInterview)
	fb := h.tr.waitFor(t, protocol.TypeFeedback, nil)
	assert.Equal(t, "Great job", fb["feedback"].(map[string]any)["feedback"])
	require.NoError(t, h.wait(t))

	h.tr.waitFor(t, protocol.TypePhaseChange, withPhase("ended"))
	_, reason := h.tr.closeState()
	assert.Equal(t, protocol.CloseNormal, reason)

	stored, err = h.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	require.Len(t, h.proc.summaries, 1)
	assert.Equal(t, "behavioral", h.proc.summaries[0].Role)
	assert.Len(t, h.proc.summaries[0].Responses, 1)
	assert.Len(t, h.arch.sessions, 1)
}

func TestRun_DropsAudioWhileInterviewerSpeaks(t *testing.T) {
	h := start(t, behavioralSession(t), testConfig())
	h.tr.waitFor(t, protocol.TypeQuestion, questionText("Welcome ada"))
	require.True(t, h.o.State().AISpeaking)

	for i := 0; i < 5; i++ {
		h.tr.in <- Frame{Binary: true, Data: loudPCM(160)}
	}
	h.client(protocol.TypePing)
	h.tr.waitFor(t, protocol.TypePong, nil)
	assert.Zero(t, h.stt.audioBytes())

	h.client(protocol.TypePlaybackEnded)
	h.tr.in <- Frame{Binary: true, Data: loudPCM(160)}
	require.Eventually(t, func() bool { return h.stt.audioBytes() == 320 }, waitTimeout, 5*time.Millisecond)
}

func TestRun_OneTurnInFlight(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, behavioralSession(t), testConfig())
	h.proc.process = func(ctx context.Context, _ string) (question.Artifact, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return question.Plain{Text: "Next?", Kind: question.KindFollowUp}, nil
	}
	h.run(t)
	h.toBehavioral(t)

	h.say(t, "My answer about caching.")
	for i := 0; i < 5; i++ {
		h.client(protocol.TypeAnswerComplete)
	}
	require.Eventually(t, func() bool { return h.proc.answerCount() == 1 }, waitTimeout, 5*time.Millisecond)

	h.say(t, "And some more words.")
	h.client(protocol.TypeAnswerComplete)
	h.client(protocol.TypeSkipQuestion)
	h.client(protocol.TypePing)
	h.tr.waitFor(t, protocol.TypePong, nil)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, h.proc.answerCount())
	assert.Equal(t, int32(1), h.proc.peak.Load())
	h.proc.mu.Lock()
	assert.Zero(t, h.proc.nexts)
	h.proc.mu.Unlock()

	close(release)
	h.tr.waitFor(t, protocol.TypeQuestion, questionText("Next?"))
}

func TestRun_ShortAnswerIsNotProcessed(t *testing.T) {
	h := start(t, behavioralSession(t), testConfig())
	h.toBehavioral(t)

	h.stt.emit("ok", false)
	h.tr.waitFor(t, protocol.TypeTranscript, withText("ok"))
	h.client(protocol.TypeAnswerComplete)
	h.tr.waitFor(t, protocol.TypeError, withMessage("I didn't catch that. Please speak a bit more."))

	assert.Zero(t, h.proc.answerCount())
	st := h.o.State()
	assert.Empty(t, st.Pending)
	assert.False(t, st.Processing)
	assert.Zero(t, st.ErrorCount)
}

func TestRun_ProcessingTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessingTimeout = 50 * time.Millisecond
	h := newHarness(t, behavioralSession(t), cfg)
	h.proc.process = func(ctx context.Context, _ string) (question.Artifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.run(t)
	h.toBehavioral(t)

	h.say(t, "A long answer about queues.")
	h.client(protocol.TypeAnswerComplete)
	h.tr.waitFor(t, protocol.TypeError, withMessage("Processing timeout. Please try again."))
	require.Eventually(t, func() bool {
		st := h.o.State()
		return !st.Processing && st.ErrorCount == 1
	}, waitTimeout, 5*time.Millisecond)

	errAt := h.tr.index(0, protocol.TypeError, withMessage("Processing timeout. Please try again."))
	require.GreaterOrEqual(t, errAt, 0)
	require.Eventually(t, func() bool {
		return h.tr.index(errAt+1, protocol.TypeStatus, withStatus(protocol.StatusListening)) > errAt
	}, waitTimeout, 5*time.Millisecond, "status must return to listening after the timeout error")

	stored, err := h.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, stored.Responses, 1)
	assert.Equal(t, "A long answer about queues.", stored.Responses[0].Answer)
	assert.Len(t, stored.Questions, 1)
}

func TestRun_AudioOverflowNotifiesClient(t *testing.T) {
	cfg := testConfig()
	cfg.FlushThresholdBytes = 64
	cfg.BufferCapBytes = 128
	h := start(t, behavioralSession(t), cfg)
	h.toBehavioral(t)

	h.tr.in <- Frame{Binary: true, Data: loudPCM(200)}
	h.tr.waitFor(t, protocol.TypeError, withMessage("Audio buffer overflow. Buffered audio was discarded."))
	assert.Zero(t, h.stt.audioBytes())
	assert.Zero(t, h.o.State().ErrorCount)

	h.tr.in <- Frame{Binary: true, Data: loudPCM(40)}
	require.Eventually(t, func() bool { return h.stt.audioBytes() == 80 }, waitTimeout, 5*time.Millisecond)
	closes, _ := h.tr.closeState()
	assert.Zero(t, closes, "an overflow keeps the connection open")
}

func TestRun_OversizedFrameClosesWithMessageTooBig(t *testing.T) {
	h := newHarness(t, behavioralSession(t), testConfig())
	h.tr.recvErr = fmt.Errorf("%w: read limit exceeded", ErrFrameTooLarge)
	h.run(t)
	h.tr.waitFor(t, protocol.TypeConnected, nil)
	close(h.tr.fail)

	assert.ErrorIs(t, h.wait(t), ErrFrameTooLarge)
	_, reason := h.tr.closeState()
	assert.Equal(t, protocol.CloseMessageTooBig, reason)
}

func TestRun_Interrupt(t *testing.T) {
	h := start(t, behavioralSession(t), testConfig())
	h.tr.waitFor(t, protocol.TypeQuestion, questionText("Welcome ada"))
	require.True(t, h.o.State().AISpeaking)

	h.stt.emit("wait, sorry", false)
	h.tr.waitFor(t, protocol.TypeTranscript, withText("wait, sorry"))
	h.client(protocol.TypeInterrupt)
	h.tr.waitFor(t, protocol.TypeInterrupted, nil)

	st := h.o.State()
	assert.False(t, st.AISpeaking)
	assert.Empty(t, st.Pending)
}

func TestRun_InterruptDuringSynthesisDropsAudio(t *testing.T) {
	h := newHarness(t, behavioralSession(t), testConfig())
	h.synth.gate = make(chan struct{})
	h.run(t)

	require.Eventually(t, func() bool { return h.o.State().AISpeaking }, waitTimeout, 5*time.Millisecond)
	h.client(protocol.TypeInterrupt)
	h.tr.waitFor(t, protocol.TypeInterrupted, nil)
	close(h.synth.gate)

	greet := h.tr.waitFor(t, protocol.TypeQuestion, questionText("Welcome ada"))
	assert.Empty(t, greet["audio"])
	h.idle(t)
	assert.False(t, h.o.State().AISpeaking)
}

func TestRun_ErrorBudget(t *testing.T) {
	for _, tc := range []struct {
		name   string
		bad    int
		closed bool
	}{
		{"below_budget_stays_open", 4, false},
		{"budget_spent_closes", 5, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := start(t, behavioralSession(t), testConfig())
			h.tr.waitFor(t, protocol.TypeQuestion, questionText("Welcome ada"))
			for i := 0; i < tc.bad; i++ {
				h.tr.in <- Frame{Data: []byte("{not json")}
			}
			if tc.closed {
				assert.ErrorIs(t, h.wait(t), ErrTooManyErrors)
				_, reason := h.tr.closeState()
				assert.Equal(t, protocol.CloseTooManyErrors, reason)
				h.tr.waitFor(t, protocol.TypeError, withMessage("Too many errors. Please reconnect."))
				return
			}
			h.client(protocol.TypePing)
			h.tr.waitFor(t, protocol.TypePong, nil)
			assert.Equal(t, 4, h.o.State().ErrorCount)
			closes, _ := h.tr.closeState()
			assert.Zero(t, closes)
			assert.Equal(t, 4, h.tr.count(protocol.TypeError, withMessage("Invalid message: invalid json frame")))
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	h := start(t, behavioralSession(t), testConfig())
	h.tr.waitFor(t, protocol.TypeConnected, nil)

	require.NoError(t, h.o.Close())
	require.NoError(t, h.o.Close())
	require.NoError(t, h.wait(t))

	closes, reason := h.tr.closeState()
	assert.Equal(t, 1, closes)
	assert.Equal(t, protocol.CloseNormal, reason)
	assert.Equal(t, 1, h.stt.closeCount())
}

func TestStop_UsesGivenReason(t *testing.T) {
	h := start(t, behavioralSession(t), testConfig())
	h.tr.waitFor(t, protocol.TypeConnected, nil)
	h.o.Stop(protocol.CloseReplaced)
	require.NoError(t, h.wait(t))
	_, reason := h.tr.closeState()
	assert.Equal(t, protocol.CloseReplaced, reason)
}

func TestRun_SessionNotFound(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	err := h.o.Run(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, reason := h.tr.closeState()
	assert.Equal(t, protocol.CloseSessionNotFound, reason)
	_, ok := h.tr.find(protocol.TypeError, withMessage("Session not found"))
	assert.True(t, ok)
}

func TestRun_CompletedSessionIsRejected(t *testing.T) {
	sess := behavioralSession(t)
	sess.Status = store.StatusCompleted
	h := newHarness(t, sess, testConfig())
	assert.ErrorIs(t, h.o.Run(context.Background()), ErrInterviewEnded)
	_, ok := h.tr.find(protocol.TypeError, withMessage("Interview already completed"))
	assert.True(t, ok)
}

func TestRun_TranscriberUnavailable(t *testing.T) {
	h := newHarness(t, behavioralSession(t), testConfig())
	h.stt.connectErr = errors.New("dial tcp: refused")
	err := h.o.Run(context.Background())
	assert.ErrorIs(t, err, ErrTranscriberUnavailable)
	_, reason := h.tr.closeState()
	assert.Equal(t, protocol.CloseInternalError, reason)
	_, ok := h.tr.find(protocol.TypeError, withMessage("Failed to connect to speech service"))
	assert.True(t, ok)
}

func TestRun_InactivityCloses(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityTimeout = 30 * time.Millisecond
	cfg.InactivityCheckInterval = 10 * time.Millisecond
	h := start(t, behavioralSession(t), cfg)

	assert.ErrorIs(t, h.wait(t), ErrInactive)
	_, reason := h.tr.closeState()
	assert.Equal(t, protocol.CloseTimeout, reason)
	_, ok := h.tr.find(protocol.TypeError, withMessage("Connection timeout due to inactivity"))
	assert.True(t, ok)
}

func TestRun_SynthesisFailureStillSendsQuestion(t *testing.T) {
	h := newHarness(t, behavioralSession(t), testConfig())
	h.synth.err = errors.New("tts down")
	h.run(t)

	greet := h.tr.waitFor(t, protocol.TypeQuestion, questionText("Welcome ada"))
	assert.Empty(t, greet["audio"])
	h.tr.waitFor(t, protocol.TypeError, withMessage("Failed to generate speech"))
	assert.False(t, h.o.State().AISpeaking)
}

func TestRun_GreetingFailureStaysInGreeting(t *testing.T) {
	h := newHarness(t, behavioralSession(t), testConfig())
	h.proc.greetErr = errors.New("llm down")
	h.run(t)

	h.tr.waitFor(t, protocol.TypeError, withMessage("Failed to start interview"))
	h.idle(t)
	st := h.o.State()
	assert.Equal(t, PhaseGreeting, st.Phase)
	assert.Zero(t, st.ErrorCount)
	assert.Zero(t, h.tr.count(protocol.TypeQuestion, nil))

	h.say(t, "Hello, I'm here.")
	h.client(protocol.TypeAnswerComplete)
	q := h.tr.waitFor(t, protocol.TypeQuestion, questionText("Tell me about a project you led."))
	assert.Equal(t, "behavioral", q["phase"])
}

func TestRun_SilenceEndsAnswer(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoint = audio.EndpointConfig{VoiceRMS: 100, Silence: 30 * time.Millisecond, SmoothN: 1}
	h := start(t, behavioralSession(t), cfg)
	h.toBehavioral(t)

	for i := 0; i < 3; i++ {
		h.tr.in <- Frame{Binary: true, Data: loudPCM(160)}
	}
	h.say(t, "I would shard the table by tenant.")
	require.Eventually(t, func() bool { return h.proc.answerCount() == 1 }, waitTimeout, 5*time.Millisecond)
	h.tr.waitFor(t, protocol.TypeQuestion, questionText("Follow-up 1"))
	assert.Positive(t, h.stt.audioBytes())
}

func TestRun_CodingTransitions(t *testing.T) {
	t.Run("dsa_after_min_answers", func(t *testing.T) {
		sess := behavioralSession(t)
		sess.InterviewType = "dsa"
		cfg := testConfig()
		cfg.MinBehavioralAnswers = 2
		h := start(t, sess, cfg)
		h.toBehavioral(t)

		h.say(t, "First answer here.")
		h.client(protocol.TypeAnswerComplete)
		h.tr.waitFor(t, protocol.TypeQuestion, questionText("Follow-up 1"))
		assert.Zero(t, h.tr.count(protocol.TypePhaseChange, withPhase("coding")))
		h.idle(t)
		h.client(protocol.TypePlaybackEnded)

		h.say(t, "Second answer here.")
		h.client(protocol.TypeAnswerComplete)
		q := h.tr.waitFor(t, protocol.TypeQuestion, questionText("Follow-up 2"))
		assert.Equal(t, "coding", q["phase"])
		assert.Equal(t, 1, h.tr.count(protocol.TypePhaseChange, withPhase("coding")))
	})

	t.Run("structured_question_moves_to_coding", func(t *testing.T) {
		h := newHarness(t, behavioralSession(t), testConfig())
		h.proc.process = func(context.Context, string) (question.Artifact, error) {
			return question.Structured{Title: "Two Sum", Description: "Find two numbers."}, nil
		}
		h.run(t)
		h.toBehavioral(t)

		h.say(t, "Ready for code.")
		h.client(protocol.TypeAnswerComplete)
		q := h.tr.waitFor(t, protocol.TypeQuestion, questionText("Two Sum"))
		assert.Equal(t, "coding", q["phase"])
		assert.Equal(t, encoded("Two Sum. Find two numbers."), q["audio"])
		assert.Equal(t, PhaseCoding, h.o.State().Phase)
	})

	t.Run("max_answers_wraps_up", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxAnswers = 1
		h := start(t, behavioralSession(t), cfg)
		h.toBehavioral(t)

		h.say(t, "Only answer needed.")
		h.client(protocol.TypeAnswerComplete)
		h.tr.waitFor(t, protocol.TypePhaseChange, withPhase("wrap_up"))
	})
}

func TestRun_StartRecordingWhileSpeaking(t *testing.T) {
	h := start(t, behavioralSession(t), testConfig())
	h.tr.waitFor(t, protocol.TypeQuestion, questionText("Welcome ada"))
	h.client(protocol.TypeStartRecording)
	h.tr.waitFor(t, protocol.TypeError, withMessage("Please wait for AI to finish speaking"))
	assert.Zero(t, h.o.State().ErrorCount)
}

func TestRun_SkipQuestion(t *testing.T) {
	h := start(t, behavioralSession(t), testConfig())
	h.toBehavioral(t)

	h.client(protocol.TypeSkipQuestion)
	q := h.tr.waitFor(t, protocol.TypeQuestion, questionText("A different question"))
	assert.Equal(t, question.KindSkipped, q["question"].(map[string]any)["type"])
	h.proc.mu.Lock()
	assert.Equal(t, 1, h.proc.nexts)
	h.proc.mu.Unlock()
	assert.Zero(t, h.proc.answerCount())
}

func TestRun_ResumesInterviewInProgress(t *testing.T) {
	sess := behavioralSession(t)
	sess.Phase = string(PhaseBehavioral)
	h := start(t, sess, testConfig())

	h.tr.waitFor(t, protocol.TypePhaseChange, withPhase("behavioral"))
	h.say(t, "Picking up where we left off.")
	h.client(protocol.TypeAnswerComplete)
	h.tr.waitFor(t, protocol.TypeQuestion, questionText("Follow-up 1"))

	h.proc.mu.Lock()
	defer h.proc.mu.Unlock()
	assert.Zero(t, h.proc.greetings)
}

func TestRun_StopRecordingFinalizesTranscriber(t *testing.T) {
	h := start(t, behavioralSession(t), testConfig())
	h.toBehavioral(t)
	h.client(protocol.TypeStopRecording)
	h.tr.waitFor(t, protocol.TypeStatus, func(m map[string]any) bool { return m["status"] == protocol.StatusProcessing })
	h.stt.mu.Lock()
	defer h.stt.mu.Unlock()
	assert.GreaterOrEqual(t, h.stt.finalizes, 2, "answer_complete and stop_recording both finalize")
}

func TestConfigFrom_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.ProcessingTimeout)
	assert.Equal(t, 5, cfg.MaxErrors)
	assert.Equal(t, []string{"dsa"}, cfg.CodingInterviewTypes)
	assert.Equal(t, 100*time.Millisecond, cfg.EndpointCheckInterval)
	assert.True(t, strings.EqualFold("DSA", cfg.CodingInterviewTypes[0]))
}
