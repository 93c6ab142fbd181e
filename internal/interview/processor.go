// Package interview generates greetings, follow-up questions, coding problems and final feedback
// with an LLM, reading the conversation so far from the session store.
package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/interview-voice/internal/llm"
	"github.com/chadiek/interview-voice/internal/logging"
	"github.com/chadiek/interview-voice/internal/question"
	"github.com/chadiek/interview-voice/internal/store"
)

// Phase names as stored on the session.
const (
	PhaseCoding = "coding"
	PhaseWrapUp = "wrap_up"
)

const (
	followUpWindow  = 3
	feedbackExcerpt = 200
)

// Generator is the slice of the LLM client the processor needs.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, opts ...llm.Option) (string, error)
}

type Processor struct {
	gen    Generator
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func New(gen Generator, st store.Store, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Processor{
		gen:    gen,
		store:  st,
		logger: logger.With("component", "interview"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

const systemPrompt = "You are a friendly, professional technical interviewer speaking over voice. " +
	"Keep every reply short enough to be spoken aloud. Never use markdown."

func (p *Processor) GenerateGreeting(ctx context.Context, name, role string) (string, error) {
	prompt := fmt.Sprintf("Greet %s, who is interviewing for a %s role. In at most two sentences, welcome them "+
		"and ask them to briefly introduce themselves. Just provide the greeting.", name, role)
	text, err := p.gen.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("generate greeting: %w", err)
	}
	return text, nil
}

// ProcessAnswer returns the next artifact for the session. The answer has already been recorded
// on the session; the session phase decides between a follow-up, a coding problem and a closing.
func (p *Processor) ProcessAnswer(ctx context.Context, sessionID, answer string) (question.Artifact, error) {
	sess, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	switch {
	case sess.Phase == PhaseWrapUp:
		return p.closing(ctx, sess)
	case sess.Phase == PhaseCoding && !hasCodingQuestion(sess):
		return p.codingQuestion(ctx, sess), nil
	default:
		return p.followUp(ctx, sess, question.KindFollowUp)
	}
}

// NextQuestion moves on without an answer to the current question.
func (p *Processor) NextQuestion(ctx context.Context, sessionID string) (question.Artifact, error) {
	sess, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return p.followUp(ctx, sess, question.KindSkipped)
}

func (p *Processor) followUp(ctx context.Context, sess *store.Session, kind string) (question.Artifact, error) {
	var prompt string
	if len(sess.Responses) == 0 {
		prompt = fmt.Sprintf("Ask ONE clear, specific opening question for a %s interview. "+
			"Just provide the question, no explanation.", sess.Role())
	} else {
		prompt = fmt.Sprintf("Based on this interview conversation for %s:\n\n%s\n\nGenerate ONE specific "+
			"follow-up question that builds on their previous answer and tests practical understanding. "+
			"Just provide the question, no explanation.", sess.Role(), conversation(sess.Responses, followUpWindow))
	}
	text, err := p.gen.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate follow-up: %w", err)
	}
	return question.Plain{Text: text, Kind: kind}, nil
}

func (p *Processor) closing(ctx context.Context, sess *store.Session) (question.Artifact, error) {
	prompt := fmt.Sprintf("The %s interview is wrapping up after %d answers. Thank the candidate in two sentences "+
		"and ask whether they have any questions for you.", sess.Role(), len(sess.Responses))
	text, err := p.gen.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate closing: %w", err)
	}
	return question.Plain{Text: text, Kind: question.KindClosing}, nil
}

const codingPrompt = `Generate a %s difficulty data structures and algorithms coding problem.
Return only a JSON object with this structure:
{
  "title": "Problem title",
  "description": "Detailed problem description",
  "input_format": "Description of input",
  "output_format": "Description of output",
  "constraints": ["constraint1"],
  "example": {"input": "example input", "output": "example output", "explanation": "why"},
  "test_cases": [{"input": "in", "output": "out"}],
  "hints": ["hint1"]
}
Make it realistic and solvable in 30-45 minutes.`

// codingQuestion never fails; unusable model output falls back to a stock problem.
func (p *Processor) codingQuestion(ctx context.Context, sess *store.Session) question.Artifact {
	difficulty := sess.Difficulty
	if difficulty == "" {
		difficulty = "medium"
	}
	text, err := p.gen.Generate(ctx, "", fmt.Sprintf(codingPrompt, difficulty))
	if err != nil {
		p.logger.Warn("coding question generation failed, using fallback", "session_id", sess.ID, "error", err)
		return p.fallbackCoding(difficulty)
	}
	q, err := parseCodingQuestion(text)
	if err != nil {
		p.logger.Warn("failed to parse coding question, using fallback", "session_id", sess.ID, "error", err)
		return p.fallbackCoding(difficulty)
	}
	q.ID = p.newID()
	q.Difficulty = difficulty
	return q
}

var errNoJSONObject = errors.New("no json object in model output")

// parseCodingQuestion decodes the span between the first '{' and the last '}'.
func parseCodingQuestion(text string) (question.Structured, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return question.Structured{}, errNoJSONObject
	}
	a, err := question.Normalize(json.RawMessage(text[start : end+1]))
	if err != nil {
		return question.Structured{}, err
	}
	s, ok := a.(question.Structured)
	if !ok {
		return question.Structured{}, question.ErrUnrecognized
	}
	return s, nil
}

func (p *Processor) fallbackCoding(difficulty string) question.Structured {
	return question.Structured{
		ID:           p.newID(),
		Type:         question.KindCoding,
		Title:        "Two Sum",
		Description:  "Given an array of integers nums and an integer target, return indices of the two numbers that add up to target.",
		Difficulty:   difficulty,
		InputFormat:  "Array of integers and target integer",
		OutputFormat: "Array of two indices",
		Constraints:  []string{"2 <= nums.length <= 10^4", "-10^9 <= nums[i] <= 10^9"},
		Hints:        []string{"Use a hash map to store seen numbers"},
		Example: &question.Example{
			Input:       "[2,7,11,15], target=9",
			Output:      "[0,1]",
			Explanation: "nums[0] + nums[1] = 2 + 7 = 9",
		},
		TestCases: []question.TestCase{
			{Input: "[2,7,11,15]\n9", ExpectedOutput: "[0,1]"},
			{Input: "[3,2,4]\n6", ExpectedOutput: "[1,2]"},
			{Input: "[3,3]\n6", ExpectedOutput: "[0,1]"},
		},
	}
}

func (p *Processor) GenerateFeedback(ctx context.Context, s question.Summary) (question.Feedback, error) {
	var qa strings.Builder
	for i, r := range s.Responses {
		fmt.Fprintf(&qa, "Q%d: %s\nA%d: %s\n\n", i+1, r.Question, i+1, excerpt(r.Answer, feedbackExcerpt))
	}
	prompt := fmt.Sprintf(`Provide interview feedback.

Interview Type: %s
Role: %s
Duration: %d minutes
Questions: %d
Code submissions: %d

Q&A Summary:
%s
Cover overall performance, technical skills, communication and problem-solving with a score out of 10 each,
key strengths, improvement areas with concrete next steps, and a readiness level.`,
		s.InterviewType, s.Role, s.DurationMinutes, len(s.Responses), s.CodeSubmissions, qa.String())

	text, err := p.gen.Generate(ctx, "", prompt, llm.WithTemperature(0.3))
	if err != nil {
		return question.Feedback{}, fmt.Errorf("generate feedback: %w", err)
	}
	return question.Feedback{Text: text, GeneratedAt: p.now().UTC()}, nil
}

func hasCodingQuestion(sess *store.Session) bool {
	for i := range sess.Questions {
		if a, err := sess.Question(i); err == nil {
			if _, ok := a.(question.Structured); ok {
				return true
			}
		}
	}
	return false
}

func conversation(responses []store.Response, window int) string {
	if len(responses) > window {
		responses = responses[len(responses)-window:]
	}
	parts := make([]string, 0, len(responses))
	for _, r := range responses {
		parts = append(parts, fmt.Sprintf("Q: %s\nA: %s", r.Question, r.Answer))
	}
	return strings.Join(parts, "\n\n")
}

func excerpt(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
