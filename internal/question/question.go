// Package question normalizes the interview artifacts produced by the answer processor into a
// closed set of shapes and derives what gets spoken aloud from them.
package question

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Plain artifact kinds.
const (
	KindQuestion = "question"
	KindGreeting = "greeting"
	KindFollowUp = "follow_up"
	KindSkipped  = "skipped"
	KindClosing  = "closing"
	KindCoding   = "coding"
)

// SpeakableDescriptionLimit bounds how much of a coding problem description is read aloud.
const SpeakableDescriptionLimit = 200

var ErrUnrecognized = errors.New("question: unrecognized artifact shape")

// Artifact is either Plain or Structured.
type Artifact interface {
	// Payload is the JSON-ready value sent to the client.
	Payload() any
	isArtifact()
}

// Plain is a question (or greeting, closing remark) spoken verbatim.
type Plain struct {
	Text string
	Kind string
}

func (Plain) isArtifact() {}

func (p Plain) Payload() any {
	kind := p.Kind
	if kind == "" {
		kind = KindQuestion
	}
	return map[string]string{"question": p.Text, "type": kind}
}

type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"output"`
	Hidden         bool   `json:"is_hidden,omitempty"`
}

type Example struct {
	Input       string `json:"input"`
	Output      string `json:"output"`
	Explanation string `json:"explanation,omitempty"`
}

// Structured is a coding problem.
type Structured struct {
	ID           string     `json:"question_id,omitempty"`
	Type         string     `json:"type"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Difficulty   string     `json:"difficulty,omitempty"`
	InputFormat  string     `json:"input_format,omitempty"`
	OutputFormat string     `json:"output_format,omitempty"`
	Constraints  []string   `json:"constraints,omitempty"`
	Hints        []string   `json:"hints,omitempty"`
	Example      *Example   `json:"example,omitempty"`
	TestCases    []TestCase `json:"test_cases,omitempty"`
}

func (Structured) isArtifact() {}

func (s Structured) Payload() any {
	s.Type = KindCoding
	return s
}

// Feedback is the final evaluation sent when the interview ends.
type Feedback struct {
	Text        string    `json:"feedback"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Normalize turns any of the shapes the processor or stored sessions carry into an Artifact:
// a bare JSON string, {"question": "..."}, {"question": {"question": "..."}} or a coding object.
func Normalize(raw json.RawMessage) (Artifact, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrUnrecognized
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return nil, ErrUnrecognized
		}
		return Plain{Text: s, Kind: KindQuestion}, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		return normalizeObject(obj, raw, "")
	default:
		return nil, ErrUnrecognized
	}
}

func normalizeObject(obj map[string]json.RawMessage, raw json.RawMessage, outerKind string) (Artifact, error) {
	kind := stringField(obj, "type")
	if kind == "" {
		kind = outerKind
	}
	if kind == KindCoding || looksStructured(obj) {
		var s Structured
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		s.Type = KindCoding
		if strings.TrimSpace(s.Title) == "" && strings.TrimSpace(s.Description) == "" {
			return nil, ErrUnrecognized
		}
		return s, nil
	}
	q, ok := obj["question"]
	if !ok {
		return nil, ErrUnrecognized
	}
	q = bytes.TrimSpace(q)
	if len(q) == 0 {
		return nil, ErrUnrecognized
	}
	switch q[0] {
	case '"':
		var text string
		if err := json.Unmarshal(q, &text); err != nil {
			return nil, err
		}
		if kind == "" {
			kind = KindQuestion
		}
		return Plain{Text: text, Kind: kind}, nil
	case '{':
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(q, &inner); err != nil {
			return nil, err
		}
		return normalizeObject(inner, q, kind)
	default:
		return nil, ErrUnrecognized
	}
}

func looksStructured(obj map[string]json.RawMessage) bool {
	if _, ok := obj["question"]; ok {
		return false
	}
	return stringField(obj, "title") != "" && stringField(obj, "description") != ""
}

func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Marshal encodes an artifact in the shape Normalize reads back.
func Marshal(a Artifact) (json.RawMessage, error) {
	if a == nil {
		return nil, ErrUnrecognized
	}
	return json.Marshal(a.Payload())
}

// Speakable returns the text to synthesize. Coding problems speak the title and the start of
// the description only.
func Speakable(a Artifact) string {
	switch v := a.(type) {
	case Plain:
		return strings.TrimSpace(v.Text)
	case Structured:
		title := strings.TrimSpace(v.Title)
		desc := truncateRunes(strings.TrimSpace(v.Description), SpeakableDescriptionLimit)
		switch {
		case title == "":
			return desc
		case desc == "":
			return title
		default:
			return strings.TrimSuffix(title, ".") + ". " + desc
		}
	default:
		return ""
	}
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return strings.TrimSpace(s[:i]) + "..."
		}
		n++
	}
	return s
}

// Hint is the phase an artifact suggests the interview should be in.
type Hint int

const (
	HintNone Hint = iota
	HintGreeting
	HintCoding
	HintWrapUp
)

func PhaseHint(a Artifact) Hint {
	switch v := a.(type) {
	case Structured:
		return HintCoding
	case Plain:
		switch v.Kind {
		case KindGreeting:
			return HintGreeting
		case KindClosing:
			return HintWrapUp
		}
	}
	return HintNone
}

// QA is one question and the candidate's answer to it.
type QA struct {
	Question string
	Answer   string
}

// Summary is what final feedback is generated from.
type Summary struct {
	InterviewType   string
	Role            string
	DurationMinutes int
	Responses       []QA
	CodeSubmissions int
}
