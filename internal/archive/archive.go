// Package archive uploads completed interviews to Supabase storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/interview-voice/internal/logging"
	"github.com/chadiek/interview-voice/internal/question"
	"github.com/chadiek/interview-voice/internal/store"
)

var ErrNotConfigured = errors.New("archive: supabase is not configured")

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

func (c Config) Enabled() bool { return c.URL != "" && c.ServiceRoleKey != "" }

// Record is the archived document for one finished interview.
type Record struct {
	Session    *store.Session    `json:"session"`
	Feedback   question.Feedback `json:"feedback"`
	ArchivedAt time.Time         `json:"archived_at"`
}

// Storage writes interview records under "<session_id>/<unix>-<uuid>.json".
type Storage struct {
	upload func(key string, data []byte) error
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func New(cfg Config, logger *slog.Logger) (*Storage, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "interviews"
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	upload := func(key string, data []byte) error {
		if _, err := client.Storage.UploadFile(cfg.Bucket, key, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to upload to Supabase: %w", err)
		}
		return nil
	}
	return newStorage(upload, logger), nil
}

func newStorage(upload func(string, []byte) error, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Storage{upload: upload, logger: logger.With("component", "archive"), now: time.Now, newID: uuid.NewString}
}

// Archive uploads the session and its feedback. It returns the object key.
func (s *Storage) Archive(ctx context.Context, sess *store.Session, fb question.Feedback) (string, error) {
	if sess == nil || sess.ID == "" {
		return "", store.ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.now().UTC()
	data, err := json.Marshal(Record{Session: sess, Feedback: fb, ArchivedAt: now})
	if err != nil {
		return "", fmt.Errorf("marshal archive record: %w", err)
	}
	key := fmt.Sprintf("%s/%d-%s.json", sess.ID, now.Unix(), s.newID())
	if err := s.upload(key, data); err != nil {
		return "", err
	}
	s.logger.Info("interview archived", "session_id", sess.ID, "key", key, "bytes", len(data))
	return key, nil
}

// Nop discards archives. Used when Supabase is not configured.
type Nop struct{}

func (Nop) Archive(context.Context, *store.Session, question.Feedback) (string, error) { return "", nil }
