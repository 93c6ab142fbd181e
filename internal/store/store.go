// Package store persists interview sessions. Writes are last-writer-wins: callers outside a
// single connection are not serialized here. Keys the Session type does not model are kept
// as they were read.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/chadiek/interview-voice/internal/question"
)

var (
	ErrNotFound  = errors.New("store: session not found")
	ErrInvalidID = errors.New("store: invalid session id")
)

// Session status values.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Response is one answered question.
type Response struct {
	QuestionIndex int       `json:"question_index"`
	Question      string    `json:"question"`
	Answer        string    `json:"response"`
	Phase         string    `json:"phase"`
	Timestamp     time.Time `json:"timestamp"`
}

// Session is the persisted interview record.
type Session struct {
	ID                   string            `json:"session_id"`
	UserID               string            `json:"user_id"`
	InterviewType        string            `json:"interview_type"`
	CustomRole           string            `json:"custom_role,omitempty"`
	Difficulty           string            `json:"difficulty,omitempty"`
	Status               string            `json:"status"`
	Phase                string            `json:"phase,omitempty"`
	CurrentQuestionIndex int               `json:"current_question_index"`
	Questions            []json.RawMessage `json:"questions"`
	Responses            []Response        `json:"responses"`
	CodeSubmissions      []json.RawMessage `json:"code_submissions,omitempty"`
	StartedAt            time.Time         `json:"started_at"`
	LastUpdated          time.Time         `json:"last_updated"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`

	// Extra holds keys written by other services (resume_data, live_transcription, ...).
	// They are carried through unchanged on every write.
	Extra map[string]json.RawMessage `json:"-"`
}

// sessionKeys are the JSON keys Session models itself.
var sessionKeys = func() map[string]struct{} {
	keys := make(map[string]struct{})
	t := reflect.TypeOf(Session{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = struct{}{}
		}
	}
	return keys
}()

// sessionFields has Session's fields without its JSON methods.
type sessionFields Session

func (s Session) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(sessionFields(s))
	if err != nil || len(s.Extra) == 0 {
		return b, err
	}
	doc := make(map[string]json.RawMessage, len(sessionKeys)+len(s.Extra))
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, modeled := sessionKeys[k]; !modeled {
			doc[k] = v
		}
	}
	return json.Marshal(doc)
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var f sessionFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	f.Extra = nil
	for k, v := range doc {
		if _, modeled := sessionKeys[k]; modeled {
			continue
		}
		if f.Extra == nil {
			f.Extra = make(map[string]json.RawMessage)
		}
		f.Extra[k] = v
	}
	*s = Session(f)
	return nil
}

// Question returns the normalized question at index i.
func (s *Session) Question(i int) (question.Artifact, error) {
	if i < 0 || i >= len(s.Questions) {
		return nil, fmt.Errorf("store: question index %d out of range (%d questions)", i, len(s.Questions))
	}
	return question.Normalize(s.Questions[i])
}

// AppendQuestion stores a question artifact in its canonical shape.
func (s *Session) AppendQuestion(a question.Artifact) error {
	raw, err := question.Marshal(a)
	if err != nil {
		return err
	}
	s.Questions = append(s.Questions, raw)
	return nil
}

// Role is the custom role when present, otherwise the interview type.
func (s *Session) Role() string {
	if s.CustomRole != "" {
		return s.CustomRole
	}
	if s.InterviewType != "" {
		return s.InterviewType
	}
	return "technical"
}

// DisplayName is what the greeting addresses the candidate as.
func (s *Session) DisplayName() string {
	if s.UserID != "" {
		return s.UserID
	}
	return "Candidate"
}

// Clone returns a deep copy so mirrors never alias stored slices.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var out Session
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *s
		return &cp
	}
	return &out
}

// Store is the session persistence contract.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
}
