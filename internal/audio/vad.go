package audio

import (
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"
)

// RMS returns the root mean square of s16le mono samples. Large chunks are sampled sparsely.
func RMS(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	step := 1
	if len(pcm) > 3200 {
		step = 2
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sumSquares / float64(count))
}

// EndpointConfig tunes silence-based end-of-utterance detection.
type EndpointConfig struct {
	VoiceRMS              float64       // energy at or above which a chunk counts as voice
	Silence               time.Duration // inactivity after voice that ends an utterance
	ContinuationExtension time.Duration // added when the latest text ends in a continuation word
	SmoothN               int           // chunks in the majority vote
}

func (c EndpointConfig) withDefaults() EndpointConfig {
	if c.VoiceRMS <= 0 {
		c.VoiceRMS = 250
	}
	if c.Silence <= 0 {
		c.Silence = 700 * time.Millisecond
	}
	if c.ContinuationExtension < 0 {
		c.ContinuationExtension = 0
	}
	if c.SmoothN <= 0 {
		c.SmoothN = 3
	}
	return c
}

// Endpointer infers utterance boundaries from audio energy and silence.
type Endpointer struct {
	cfg EndpointConfig

	mu        sync.Mutex
	votes     []bool
	heard     bool
	lastVoice time.Time
}

func NewEndpointer(cfg EndpointConfig) *Endpointer {
	return &Endpointer{cfg: cfg.withDefaults()}
}

// Observe feeds one chunk of s16le PCM received at now and reports whether it was voiced
// after smoothing.
func (e *Endpointer) Observe(pcm []byte, now time.Time) bool {
	loud := RMS(pcm) >= e.cfg.VoiceRMS
	e.mu.Lock()
	defer e.mu.Unlock()
	e.votes = append(e.votes, loud)
	if len(e.votes) > e.cfg.SmoothN {
		e.votes = e.votes[len(e.votes)-e.cfg.SmoothN:]
	}
	n := 0
	for _, v := range e.votes {
		if v {
			n++
		}
	}
	voiced := n*2 > len(e.votes)
	if voiced {
		e.heard = true
		e.lastVoice = now
	}
	return voiced
}

// Ended reports whether voice was heard since the last Reset and silence has lasted long
// enough. lastText is the latest transcript text and extends the window when it reads as
// unfinished.
func (e *Endpointer) Ended(now time.Time, lastText string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.heard {
		return false
	}
	threshold := e.cfg.Silence
	if IsContinuationLikely(lastText) {
		threshold += e.cfg.ContinuationExtension
	}
	return now.Sub(e.lastVoice) >= threshold
}

// Heard reports whether any voice was observed since the last Reset.
func (e *Endpointer) Heard() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heard
}

func (e *Endpointer) Reset() {
	e.mu.Lock()
	e.votes = e.votes[:0]
	e.heard = false
	e.lastVoice = time.Time{}
	e.mu.Unlock()
}

// IsContinuationLikely reports whether the last word of text suggests the speaker will go on.
func IsContinuationLikely(text string) bool {
	w := LastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

// LastWord returns the lower-cased final run of letters in text.
func LastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
	"the": {}, "a": {}, "an": {},
}
