package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	AuthToken      string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	STTProvider      string
	DeepgramKey      string
	DeepgramSTTModel string
	DeepgramTTSModel string
	AssemblyAIKey    string

	TTSProvider       string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	ElevenLabsModelID string

	LLMKey     string
	LLMBaseURL string
	LLMModel   string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	SessionTTL     time.Duration

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	Interview Interview
}

// Interview holds the turn-taking tunables. They can be overridden from the YAML file
// named by INTERVIEW_CONFIG_FILE.
type Interview struct {
	ProcessingTimeout       time.Duration `yaml:"processing_timeout"`
	InactivityTimeout       time.Duration `yaml:"inactivity_timeout"`
	InactivityCheckInterval time.Duration `yaml:"inactivity_check_interval"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	FinalizeGrace           time.Duration `yaml:"finalize_grace"`
	MaxErrors               int           `yaml:"max_errors"`
	MinBehavioralAnswers    int           `yaml:"min_behavioral_answers"`
	MaxAnswers              int           `yaml:"max_answers"`
	MinAnswerChars          int           `yaml:"min_answer_chars"`
	FlushThresholdBytes     int           `yaml:"flush_threshold_bytes"`
	BufferCapBytes          int           `yaml:"buffer_cap_bytes"`
	TTSCacheSize            int           `yaml:"tts_cache_size"`
	VADSilence              time.Duration `yaml:"vad_silence"`
	VADContinuation         time.Duration `yaml:"vad_continuation_extension"`
	VADVoiceRMS             float64       `yaml:"vad_voice_rms"`
}

// DefaultInterview returns the tunables used when nothing overrides them.
func DefaultInterview() Interview {
	return Interview{
		ProcessingTimeout:       30 * time.Second,
		InactivityTimeout:       5 * time.Minute,
		InactivityCheckInterval: 60 * time.Second,
		HeartbeatInterval:       30 * time.Second,
		FinalizeGrace:           300 * time.Millisecond,
		MaxErrors:               5,
		MinBehavioralAnswers:    2,
		MaxAnswers:              10,
		MinAnswerChars:          3,
		FlushThresholdBytes:     64000,
		BufferCapBytes:          1 << 20,
		TTSCacheSize:            50,
		VADSilence:              700 * time.Millisecond,
		VADContinuation:         1200 * time.Millisecond,
		VADVoiceRMS:             250,
	}
}

// Load reads .env (if present), environment variables and the optional YAML overlay.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file loaded", "err", err)
	}

	cfg := Config{
		HTTPAddress:    getEnv("HTTP_ADDRESS", ":8080"),
		AuthToken:      os.Getenv("AUTH_TOKEN"),
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),

		STTProvider:      strings.ToLower(getEnv("STT_PROVIDER", "deepgram")),
		DeepgramKey:      os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramSTTModel: getEnv("DEEPGRAM_STT_MODEL", "nova-2"),
		DeepgramTTSModel: getEnv("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),
		AssemblyAIKey:    os.Getenv("ASSEMBLYAI_API_KEY"),

		TTSProvider:       strings.ToLower(getEnv("TTS_PROVIDER", "elevenlabs")),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "pNInz6obpgDQGcFmaJgB"),
		ElevenLabsModelID: getEnv("ELEVENLABS_MODEL_ID", "eleven_turbo_v2"),

		LLMKey:     getEnv("LLM_API_KEY", os.Getenv("CEREBRAS_API_KEY")),
		LLMBaseURL: getEnv("LLM_BASE_URL", "https://api.cerebras.ai/v1"),
		LLMModel:   getEnv("LLM_MODEL", getEnv("CEREBRAS_MODEL_ID", "gpt-oss-120b")),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "interview"),

		SupabaseURL:    os.Getenv("SUPABASE_URL"),
		SupabaseKey:    os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket: getEnv("SUPABASE_BUCKET", "interviews"),

		Interview: DefaultInterview(),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = getDuration("SESSION_TTL", 2*time.Hour); err != nil {
		return Config{}, err
	}

	if path := os.Getenv("INTERVIEW_CONFIG_FILE"); path != "" {
		if err := cfg.Interview.LoadFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.warnMissing()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	slog.Info("config loaded", "http_address", cfg.HTTPAddress, "stt", cfg.STTProvider, "tts", cfg.TTSProvider, "llm_model", cfg.LLMModel)
	return cfg, nil
}

// LoadFile overlays the tunables present in a YAML file. Absent keys keep their current values.
func (iv *Interview) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, iv); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c Config) Validate() error {
	switch c.STTProvider {
	case "deepgram", "assemblyai":
	default:
		return fmt.Errorf("config: unknown STT_PROVIDER %q", c.STTProvider)
	}
	switch c.TTSProvider {
	case "elevenlabs", "deepgram":
	default:
		return fmt.Errorf("config: unknown TTS_PROVIDER %q", c.TTSProvider)
	}
	return c.Interview.Validate()
}

func (iv Interview) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	positive("processing_timeout", iv.ProcessingTimeout)
	positive("inactivity_timeout", iv.InactivityTimeout)
	positive("inactivity_check_interval", iv.InactivityCheckInterval)
	positive("heartbeat_interval", iv.HeartbeatInterval)
	positive("vad_silence", iv.VADSilence)
	if iv.FinalizeGrace < 0 {
		errs = append(errs, errors.New("finalize_grace must be >= 0"))
	}
	if iv.MaxErrors <= 0 {
		errs = append(errs, errors.New("max_errors must be > 0"))
	}
	if iv.MaxAnswers <= 0 || iv.MinBehavioralAnswers < 0 {
		errs = append(errs, errors.New("answer counts must be positive"))
	}
	if iv.FlushThresholdBytes <= 0 || iv.BufferCapBytes < iv.FlushThresholdBytes {
		errs = append(errs, errors.New("buffer_cap_bytes must be >= flush_threshold_bytes > 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) warnMissing() {
	switch c.STTProvider {
	case "deepgram":
		if c.DeepgramKey == "" {
			slog.Warn("DEEPGRAM_API_KEY not set - transcription will not work")
		}
	case "assemblyai":
		if c.AssemblyAIKey == "" {
			slog.Warn("ASSEMBLYAI_API_KEY not set - transcription will not work")
		}
	}
	if c.TTSProvider == "elevenlabs" && c.ElevenLabsKey == "" {
		slog.Warn("ELEVENLABS_API_KEY not set - TTS will not work")
	}
	if c.TTSProvider == "deepgram" && c.DeepgramKey == "" {
		slog.Warn("DEEPGRAM_API_KEY not set - TTS will not work")
	}
	if c.LLMKey == "" {
		slog.Warn("LLM_API_KEY not set - answer processing will not work")
	}
	if c.AuthToken == "" {
		slog.Warn("AUTH_TOKEN not set - interview websocket is unauthenticated")
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
