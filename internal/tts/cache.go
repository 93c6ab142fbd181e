package tts

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 50

// Cache wraps a Synthesizer with a bounded LRU keyed by the exact text. One Cache lives per
// connection and is purged when the connection closes.
type Cache struct {
	next    Synthesizer
	entries *lru.Cache[string, []byte]
	onHit   func()
}

func NewCache(next Synthesizer, size int, onHit func()) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, _ := lru.New[string, []byte](size)
	if onHit == nil {
		onHit = func() {}
	}
	return &Cache{next: next, entries: entries, onHit: onHit}
}

func (c *Cache) ContentType() string { return c.next.ContentType() }

func (c *Cache) Synthesize(ctx context.Context, text string) ([]byte, error) {
	key := strings.TrimSpace(text)
	if key == "" {
		return nil, ErrEmptyText
	}
	if audio, ok := c.entries.Get(key); ok {
		c.onHit()
		return audio, nil
	}
	audio, err := c.next.Synthesize(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	c.entries.Add(key, audio)
	return audio, nil
}

func (c *Cache) Len() int { return c.entries.Len() }

func (c *Cache) Purge() { c.entries.Purge() }
