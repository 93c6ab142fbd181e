package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chadiek/interview-voice/internal/metrics"
	"github.com/chadiek/interview-voice/internal/protocol"
	"github.com/chadiek/interview-voice/internal/question"
	"github.com/chadiek/interview-voice/internal/store"
)

var errNoAudio = errors.New("synthesizer returned no audio")

// callBounded runs fn with a deadline. A processor that ignores its context still cannot
// hold the turn past timeout.
func callBounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return r.v, fmt.Errorf("%w after %s: %v", ErrProcessingTimeout, timeout, r.err)
		}
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrProcessingTimeout, timeout)
	}
}

func (o *Orchestrator) currentTranscriber() Transcriber {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transcriber
}

func (o *Orchestrator) beginTurn() {
	o.mu.Lock()
	o.state.Processing = true
	o.mu.Unlock()
}

func (o *Orchestrator) endTurn() {
	o.mu.Lock()
	o.state.Processing = false
	o.mu.Unlock()
	if o.ctx.Err() == nil {
		o.send(protocol.NewStatus(protocol.StatusListening))
	}
}

func (o *Orchestrator) clearFinalizing() {
	o.mu.Lock()
	o.finalizing = false
	o.mu.Unlock()
}

// requestFinalize flushes buffered audio, asks the transcriber to emit its finals and
// finalizes the answer after a short grace period. Only one request is outstanding at a time.
func (o *Orchestrator) requestFinalize(trigger string) {
	o.mu.Lock()
	if !o.state.Phase.interviewing() || o.state.Processing || o.finalizing {
		processing := o.state.Processing
		o.mu.Unlock()
		o.logger.Debug("finalize ignored", "trigger", trigger, "processing", processing)
		return
	}
	o.finalizing = true
	o.mu.Unlock()

	o.flushAudio()
	if tr := o.currentTranscriber(); tr != nil {
		if err := tr.Finalize(); err != nil {
			o.logger.Warn("transcriber finalize failed", "error", err)
		}
	}
	o.send(protocol.NewStatus(protocol.StatusFinalizing))

	o.spawn(func(ctx context.Context) {
		if o.cfg.FinalizeGrace > 0 {
			t := time.NewTimer(o.cfg.FinalizeGrace)
			defer t.Stop()
			select {
			case <-ctx.Done():
				o.clearFinalizing()
				return
			case <-t.C:
			}
		}
		o.finalize(ctx, trigger)
	})
}

// finalize turns the pending transcript into an answer and runs one interviewer turn.
func (o *Orchestrator) finalize(ctx context.Context, trigger string) {
	if !o.processing.TryLock() {
		o.clearFinalizing()
		o.logger.Info("finalize ignored, turn already in flight", "trigger", trigger)
		return
	}
	defer o.processing.Unlock()

	o.mu.Lock()
	o.finalizing = false
	phase := o.state.Phase
	if !phase.interviewing() {
		o.mu.Unlock()
		return
	}
	answer := o.pending.take()
	o.lastText = ""
	short := meaningfulChars(answer) < o.cfg.MinAnswerChars
	if !short {
		o.state.Processing = true
	}
	o.mu.Unlock()
	o.endpointer.Reset()

	if short {
		o.logger.Info("answer too short", "trigger", trigger, "answer", answer)
		o.metrics.Turn(metrics.OutcomeTooShort)
		o.send(protocol.NewError("I didn't catch that. Please speak a bit more."))
		o.send(protocol.NewStatus(protocol.StatusListening))
		return
	}
	defer o.endTurn()

	o.logger.Info("answer finalized", "trigger", trigger, "phase", string(phase), "chars", len(answer))
	o.send(protocol.NewStatus(protocol.StatusThinking))
	if phase == PhaseGreeting {
		o.openInterview(ctx)
		return
	}
	o.answer(ctx, phase, answer)
}

func (o *Orchestrator) greet(ctx context.Context) {
	if !o.processing.TryLock() {
		return
	}
	defer o.processing.Unlock()
	o.beginTurn()
	defer o.endTurn()

	o.send(protocol.NewStatus(protocol.StatusThinking))
	o.mu.Lock()
	name, role := o.session.DisplayName(), o.session.Role()
	o.mu.Unlock()

	text, err := callBounded(ctx, o.cfg.ProcessingTimeout, func(ctx context.Context) (string, error) {
		return o.processor.GenerateGreeting(ctx, name, role)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Error("failed to generate greeting", "error", err)
		o.metrics.Error("greeting")
		o.send(protocol.NewError("Failed to start interview"))
		return
	}
	o.speak(ctx, question.Plain{Text: text, Kind: question.KindGreeting})
}

// openInterview answers the candidate's introduction with the first question: the first
// stored question when there is one, otherwise a generated opener.
func (o *Orchestrator) openInterview(ctx context.Context) {
	o.mu.Lock()
	var first question.Artifact
	if len(o.session.Questions) > 0 {
		if a, err := o.session.Question(0); err != nil {
			o.logger.Warn("stored first question is unusable, generating one", "error", err)
		} else {
			first = a
		}
	}
	o.mu.Unlock()

	generated := first == nil
	if generated {
		a, err := callBounded(ctx, o.cfg.ProcessingTimeout, func(ctx context.Context) (question.Artifact, error) {
			return o.processor.NextQuestion(ctx, o.sessionID)
		})
		if err != nil {
			o.turnFailed(ctx, err)
			return
		}
		if p, ok := a.(question.Plain); ok {
			p.Kind = question.KindQuestion
			a = p
		}
		first = a
	}

	next := PhaseBehavioral
	if question.PhaseHint(first) == question.HintCoding {
		next = PhaseCoding
	}
	o.mu.Lock()
	if generated {
		if err := o.session.AppendQuestion(first); err != nil {
			o.logger.Warn("failed to record question", "error", err)
		}
	}
	o.session.CurrentQuestionIndex = 0
	if generated {
		o.session.CurrentQuestionIndex = len(o.session.Questions) - 1
	}
	o.state.Phase = next
	o.session.Phase = string(next)
	snap := o.session.Clone()
	o.mu.Unlock()

	o.persist(ctx, snap)
	o.send(protocol.NewPhaseChange(string(next)))
	o.resetErrors()
	o.speak(ctx, first)
}

// answer records the candidate's answer, applies answer-count transitions and asks the
// processor for the next interviewer turn.
func (o *Orchestrator) answer(ctx context.Context, phase Phase, text string) {
	o.mu.Lock()
	idx := o.session.CurrentQuestionIndex
	asked := ""
	if a, err := o.session.Question(idx); err == nil {
		asked = question.Speakable(a)
	}
	o.session.Responses = append(o.session.Responses, store.Response{
		QuestionIndex: idx,
		Question:      asked,
		Answer:        text,
		Phase:         string(phase),
		Timestamp:     o.now().UTC(),
	})
	next := o.transitionLocked(len(o.session.Responses))
	o.state.Phase = next
	o.session.Phase = string(next)
	snap := o.session.Clone()
	o.mu.Unlock()

	o.persist(ctx, snap)
	if next != phase {
		o.logger.Info("phase changed", "from", string(phase), "to", string(next))
		o.send(protocol.NewPhaseChange(string(next)))
	}

	start := o.now()
	art, err := callBounded(ctx, o.cfg.ProcessingTimeout, func(ctx context.Context) (question.Artifact, error) {
		return o.processor.ProcessAnswer(ctx, o.sessionID, text)
	})
	o.metrics.AnswerProcessed(o.now().Sub(start))
	if err != nil {
		o.turnFailed(ctx, err)
		return
	}
	o.metrics.Turn(metrics.OutcomeAnswered)
	o.resetErrors()
	o.deliver(ctx, art)
}

// transitionLocked applies the answer-count rules. Callers hold o.mu.
func (o *Orchestrator) transitionLocked(answers int) Phase {
	p := o.state.Phase
	switch {
	case p == PhaseBehavioral && o.codingInterviewLocked() && answers >= o.cfg.MinBehavioralAnswers:
		return PhaseCoding
	case (p == PhaseBehavioral || p == PhaseCoding) && answers >= o.cfg.MaxAnswers:
		return PhaseWrapUp
	}
	return p
}

func (o *Orchestrator) codingInterviewLocked() bool {
	for _, t := range o.cfg.CodingInterviewTypes {
		if strings.EqualFold(t, o.session.InterviewType) {
			return true
		}
	}
	return false
}

// deliver records the next question, applies the transition it hints at and speaks it.
func (o *Orchestrator) deliver(ctx context.Context, art question.Artifact) {
	hint := question.PhaseHint(art)
	o.mu.Lock()
	prev := o.state.Phase
	next := prev
	switch {
	case hint == question.HintCoding && prev == PhaseBehavioral:
		next = PhaseCoding
	case hint == question.HintWrapUp && (prev == PhaseBehavioral || prev == PhaseCoding):
		next = PhaseWrapUp
	}
	if err := o.session.AppendQuestion(art); err != nil {
		o.logger.Warn("failed to record question", "error", err)
	} else {
		o.session.CurrentQuestionIndex = len(o.session.Questions) - 1
	}
	o.state.Phase = next
	o.session.Phase = string(next)
	snap := o.session.Clone()
	o.mu.Unlock()

	o.persist(ctx, snap)
	if next != prev {
		o.logger.Info("phase changed", "from", string(prev), "to", string(next))
		o.send(protocol.NewPhaseChange(string(next)))
	}
	o.speak(ctx, art)
}

// turnFailed reports a failed processor call. Timeouts and failures both count toward the
// error budget.
func (o *Orchestrator) turnFailed(ctx context.Context, err error) {
	switch {
	case errors.Is(err, ErrProcessingTimeout):
		o.logger.Warn("answer processing timed out", "timeout", o.cfg.ProcessingTimeout.String())
		o.metrics.Turn(metrics.OutcomeTimeout)
		o.send(protocol.NewError("Processing timeout. Please try again."))
	case ctx.Err() != nil:
		return
	default:
		o.logger.Error("answer processing failed", "error", err)
		o.metrics.Turn(metrics.OutcomeFailed)
		o.send(protocol.NewError("Failed to process answer"))
	}
	o.recordError()
}

func (o *Orchestrator) persist(ctx context.Context, snap *store.Session) {
	snap.LastUpdated = o.now().UTC()
	if err := o.store.Update(ctx, snap); err != nil {
		o.logger.Error("failed to persist session", "error", err)
		o.metrics.Error("store")
	}
}

// speak synthesizes the artifact and sends it as a question frame. The speaking flag is
// raised before synthesis so audio arriving meanwhile is already dropped; an interrupt bumps
// speechGen so a late result never raises it again.
func (o *Orchestrator) speak(ctx context.Context, art question.Artifact) {
	text := question.Speakable(art)
	payload := art.Payload()

	o.mu.Lock()
	phase := string(o.state.Phase)
	o.speechGen++
	gen := o.speechGen
	if text != "" {
		o.state.AISpeaking = true
		o.acc.Reset()
	}
	o.mu.Unlock()

	if text == "" {
		o.logger.Warn("question has no speakable text, sending without audio")
		o.send(protocol.NewQuestion(payload, phase, "", ""))
		return
	}
	o.endpointer.Reset()
	o.send(protocol.NewStatus(protocol.StatusSpeaking))

	start := o.now()
	data, err := o.synth.Synthesize(ctx, text)
	if err == nil && len(data) == 0 {
		err = errNoAudio
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Error("speech synthesis failed", "error", err)
		o.metrics.Error("synthesis")
		o.mu.Lock()
		if o.speechGen == gen {
			o.state.AISpeaking = false
		}
		o.mu.Unlock()
		o.send(protocol.NewQuestion(payload, phase, "", ""))
		o.send(protocol.NewError("Failed to generate speech"))
		return
	}
	o.metrics.Synthesized(o.synthName, o.now().Sub(start))

	o.mu.Lock()
	current := o.speechGen == gen && o.state.AISpeaking
	o.mu.Unlock()
	if !current {
		o.logger.Info("dropping audio for interrupted question")
		o.send(protocol.NewQuestion(payload, phase, "", ""))
		return
	}
	o.send(protocol.NewQuestion(payload, phase, base64.StdEncoding.EncodeToString(data), o.synth.ContentType()))
}

func (o *Orchestrator) skipQuestion(ctx context.Context) {
	if !o.processing.TryLock() {
		o.logger.Info("skip ignored, turn already in flight")
		return
	}
	defer o.processing.Unlock()

	o.mu.Lock()
	phase := o.state.Phase
	ok := phase.interviewing()
	if ok {
		o.state.Processing = true
		o.pending.reset()
		o.lastText = ""
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	defer o.endTurn()
	o.send(protocol.NewStatus(protocol.StatusThinking))

	if phase == PhaseGreeting {
		o.openInterview(ctx)
		return
	}
	art, err := callBounded(ctx, o.cfg.ProcessingTimeout, func(ctx context.Context) (question.Artifact, error) {
		return o.processor.NextQuestion(ctx, o.sessionID)
	})
	if err != nil {
		o.turnFailed(ctx, err)
		return
	}
	if p, ok := art.(question.Plain); ok && p.Kind == "" {
		p.Kind = question.KindSkipped
		art = p
	}
	o.metrics.Turn(metrics.OutcomeSkipped)
	o.resetErrors()
	o.deliver(ctx, art)
}

// endInterview waits for any turn in flight, generates feedback, marks the session completed
// and closes the connection normally.
func (o *Orchestrator) endInterview(ctx context.Context) {
	o.processing.Lock()
	defer o.processing.Unlock()

	o.mu.Lock()
	prev := o.state.Phase
	if !prev.interviewing() {
		o.mu.Unlock()
		return
	}
	o.state.Phase = PhaseFeedback
	o.state.Processing = true
	o.state.AISpeaking = false
	o.speechGen++
	o.pending.reset()
	o.session.Phase = string(PhaseFeedback)
	summary := o.summaryLocked()
	o.mu.Unlock()
	o.acc.Reset()

	o.send(protocol.NewPhaseChange(string(PhaseFeedback)))
	o.send(protocol.NewStatus(protocol.StatusGeneratingFeedback))

	fb, err := callBounded(ctx, o.cfg.ProcessingTimeout, func(ctx context.Context) (question.Feedback, error) {
		return o.processor.GenerateFeedback(ctx, summary)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Error("failed to generate feedback", "error", err)
		o.metrics.Error("feedback")
		o.mu.Lock()
		o.state.Phase = prev
		o.state.Processing = false
		o.session.Phase = string(prev)
		o.mu.Unlock()
		o.send(protocol.NewError("Failed to end interview"))
		o.send(protocol.NewPhaseChange(string(prev)))
		o.send(protocol.NewStatus(protocol.StatusListening))
		o.recordError()
		return
	}

	completed := o.now().UTC()
	o.mu.Lock()
	o.state.Phase = PhaseEnded
	o.session.Status = store.StatusCompleted
	o.session.Phase = string(PhaseEnded)
	o.session.CompletedAt = &completed
	snap := o.session.Clone()
	o.mu.Unlock()
	o.persist(ctx, snap)

	if o.archiver != nil {
		key, err := o.archiver.Archive(ctx, snap, fb)
		if err != nil {
			o.logger.Warn("failed to archive interview", "error", err)
			o.metrics.Error("archive")
		} else if key != "" {
			o.logger.Info("interview archived", "key", key)
		}
	}

	o.send(protocol.NewFeedback(fb))
	o.send(protocol.NewPhaseChange(string(PhaseEnded)))
	o.send(protocol.NewStatus(protocol.StatusDone))
	o.logger.Info("interview completed", "answers", len(summary.Responses), "minutes", summary.DurationMinutes)
	o.terminate(protocol.CloseNormal, nil)
}

func (o *Orchestrator) summaryLocked() question.Summary {
	s := o.session
	qa := make([]question.QA, 0, len(s.Responses))
	for _, r := range s.Responses {
		qa = append(qa, question.QA{Question: r.Question, Answer: r.Answer})
	}
	minutes := 0
	if !s.StartedAt.IsZero() {
		minutes = int(o.now().Sub(s.StartedAt).Minutes())
	}
	return question.Summary{
		InterviewType:   s.InterviewType,
		Role:            s.Role(),
		DurationMinutes: minutes,
		Responses:       qa,
		CodeSubmissions: len(s.CodeSubmissions),
	}
}
