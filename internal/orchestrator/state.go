package orchestrator

import (
	"strings"
	"unicode"
)

type Phase string

const (
	PhaseGreeting   Phase = "greeting"
	PhaseBehavioral Phase = "behavioral"
	PhaseCoding     Phase = "coding"
	PhaseWrapUp     Phase = "wrap_up"
	PhaseFeedback   Phase = "feedback"
	PhaseEnded      Phase = "ended"
)

// interviewing reports whether answers are still being taken.
func (p Phase) interviewing() bool {
	switch p {
	case PhaseGreeting, PhaseBehavioral, PhaseCoding, PhaseWrapUp:
		return true
	}
	return false
}

// resumable phases skip the greeting on reconnect.
func (p Phase) resumable() bool {
	return p == PhaseBehavioral || p == PhaseCoding || p == PhaseWrapUp
}

// TurnState is a snapshot of the per-connection turn flags.
type TurnState struct {
	Phase      Phase
	Processing bool
	AISpeaking bool
	ErrorCount int
	Pending    string
}

// pendingAnswer accumulates transcript segments for the answer in progress. Finals are
// kept in order; the latest interim is held on its own until a final replaces it.
type pendingAnswer struct {
	finals  []string
	interim string
}

func (p *pendingAnswer) addFinal(text string) {
	if t := strings.TrimSpace(text); t != "" {
		p.finals = append(p.finals, t)
	}
	p.interim = ""
}

func (p *pendingAnswer) setInterim(text string) {
	p.interim = strings.TrimSpace(text)
}

// text joins the finals and a trailing interim with single spaces.
func (p *pendingAnswer) text() string {
	parts := p.finals
	if p.interim != "" {
		parts = append(parts[:len(parts):len(parts)], p.interim)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (p *pendingAnswer) take() string {
	s := p.text()
	p.reset()
	return s
}

func (p *pendingAnswer) reset() {
	p.finals = nil
	p.interim = ""
}

func (p *pendingAnswer) empty() bool {
	return len(p.finals) == 0 && p.interim == ""
}

// meaningfulChars counts letters and digits.
func meaningfulChars(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
