// Package tts turns question text into playable audio.
package tts

import (
	"context"
	"errors"
)

var (
	ErrMissingAPIKey = errors.New("tts: api key missing")
	ErrEmptyText     = errors.New("tts: empty text")
	ErrEmptyAudio    = errors.New("tts: provider returned no audio")
)

// Synthesizer produces a complete audio clip for text. An empty clip is reported as ErrEmptyAudio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	ContentType() string
}
