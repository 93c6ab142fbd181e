package orchestrator

import (
	"errors"

	"github.com/chadiek/interview-voice/internal/protocol"
)

// handleAudio gates a PCM frame. Frames are dropped while the interviewer is speaking so
// its own playback never reaches the transcriber.
func (o *Orchestrator) handleAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	o.mu.Lock()
	if o.state.AISpeaking {
		o.mu.Unlock()
		o.metrics.FrameDropped("ai_speaking")
		return
	}
	if !o.state.Phase.interviewing() {
		o.mu.Unlock()
		o.metrics.FrameDropped("ended")
		return
	}
	o.endpointer.Observe(pcm, o.now())
	overflowed := o.acc.Append(pcm)
	o.mu.Unlock()

	if overflowed {
		o.logger.Warn("audio buffer overflow, dropping buffered audio", "cap_bytes", o.acc.Cap())
		o.metrics.FrameDropped("buffer_cap")
		o.send(protocol.NewError("Audio buffer overflow. Buffered audio was discarded."))
		return
	}
	if o.acc.ShouldFlush() {
		o.flushAudio()
	}
}

// flushAudio forwards buffered audio. A failed send puts the chunk back for the next flush.
func (o *Orchestrator) flushAudio() {
	chunk := o.acc.DrainAndClear()
	tr := o.currentTranscriber()
	if len(chunk) == 0 || tr == nil {
		return
	}
	if err := tr.SendAudio(chunk); err != nil {
		o.logger.Warn("failed to forward audio to transcriber", "bytes", len(chunk), "error", err)
		o.metrics.Error("transcription")
		if o.acc.Append(chunk) {
			o.metrics.FrameDropped("buffer_cap")
		}
	}
}

func (o *Orchestrator) handleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		var de *protocol.DecodeError
		text := "Invalid message format"
		if errors.As(err, &de) && de.Message != "" {
			text = "Invalid message: " + de.Message
		}
		o.logger.Warn("dropping invalid client message", "error", err)
		o.metrics.Error("invalid_message")
		o.send(protocol.NewError(text))
		o.recordError()
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		o.send(protocol.NewPong())
	case protocol.TypeStartRecording:
		o.startRecording()
	case protocol.TypeStopRecording:
		o.stopRecording()
	case protocol.TypeAnswerComplete:
		o.requestFinalize("client")
	case protocol.TypeInterrupt:
		o.interrupt()
	case protocol.TypePlaybackEnded:
		o.playbackEnded()
	case protocol.TypeSkipQuestion:
		o.spawn(o.skipQuestion)
	case protocol.TypeEndInterview:
		o.spawn(o.endInterview)
	default:
		o.logger.Debug("ignoring message", "type", msg.Type)
	}
}

// recordError counts a failure toward the budget and closes the connection when it is spent.
func (o *Orchestrator) recordError() {
	o.mu.Lock()
	o.state.ErrorCount++
	n := o.state.ErrorCount
	o.mu.Unlock()
	if n >= o.cfg.MaxErrors {
		o.logger.Warn("error budget exhausted", "errors", n)
		o.send(protocol.NewError("Too many errors. Please reconnect."))
		o.terminate(protocol.CloseTooManyErrors, ErrTooManyErrors)
	}
}

func (o *Orchestrator) resetErrors() {
	o.mu.Lock()
	o.state.ErrorCount = 0
	o.mu.Unlock()
}

func (o *Orchestrator) startRecording() {
	o.mu.Lock()
	speaking := o.state.AISpeaking
	o.mu.Unlock()
	if speaking {
		o.send(protocol.NewError("Please wait for AI to finish speaking"))
		return
	}
	o.endpointer.Reset()
	o.send(protocol.NewStatus(protocol.StatusListening))
}

func (o *Orchestrator) stopRecording() {
	o.flushAudio()
	if tr := o.currentTranscriber(); tr != nil {
		if err := tr.Finalize(); err != nil {
			o.logger.Warn("transcriber finalize failed", "error", err)
		}
	}
	o.send(protocol.NewStatus(protocol.StatusProcessing))
}

// interrupt is a barge-in: the candidate talks over the interviewer. Any synthesis still in
// flight stops gating audio, and the half-heard answer is discarded.
func (o *Orchestrator) interrupt() {
	o.mu.Lock()
	o.state.AISpeaking = false
	o.speechGen++
	o.pending.reset()
	o.lastText = ""
	o.acc.Reset()
	o.mu.Unlock()
	o.endpointer.Reset()
	o.logger.Info("interviewer interrupted")
	o.send(protocol.NewStatus(protocol.StatusListening))
	o.send(protocol.NewInterrupted())
}

func (o *Orchestrator) playbackEnded() {
	o.mu.Lock()
	o.state.AISpeaking = false
	o.mu.Unlock()
	o.endpointer.Reset()
	o.send(protocol.NewStatus(protocol.StatusListening))
}
