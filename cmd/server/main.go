package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chadiek/interview-voice/internal/archive"
	"github.com/chadiek/interview-voice/internal/config"
	"github.com/chadiek/interview-voice/internal/httpserver"
	"github.com/chadiek/interview-voice/internal/interview"
	"github.com/chadiek/interview-voice/internal/llm"
	"github.com/chadiek/interview-voice/internal/logging"
	"github.com/chadiek/interview-voice/internal/metrics"
	"github.com/chadiek/interview-voice/internal/orchestrator"
	"github.com/chadiek/interview-voice/internal/protocol"
	"github.com/chadiek/interview-voice/internal/sessions"
	"github.com/chadiek/interview-voice/internal/store"
	"github.com/chadiek/interview-voice/internal/transcript"
	"github.com/chadiek/interview-voice/internal/tts"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	m := metrics.New("interview")
	tracker := sessions.NewTracker()

	var (
		st     store.Store
		health func(context.Context) error
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		rs := store.NewRedisStore(rdb, store.WithTTL(cfg.SessionTTL), store.WithPrefix(cfg.RedisKeyPrefix))
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis is not reachable yet", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		st, health = rs, rs.Ping
	} else {
		logger.Warn("REDIS_ADDR not set - sessions are kept in memory")
		st = store.NewMemoryStore()
	}

	processor := interview.New(llm.NewClient(cfg.LLMKey, cfg.LLMBaseURL, cfg.LLMModel), st, logger)

	var archiver orchestrator.Archiver = archive.Nop{}
	if a, err := archive.New(archive.Config{URL: cfg.SupabaseURL, ServiceRoleKey: cfg.SupabaseKey, Bucket: cfg.SupabaseBucket}, logger); err == nil {
		archiver = a
	} else if !errors.Is(err, archive.ErrNotConfigured) {
		logger.Error("failed to set up archive", "error", err)
		os.Exit(1)
	}

	srv := httpserver.New(httpserver.Deps{
		Config:          cfg,
		Store:           st,
		Processor:       processor,
		NewSynthesizer:  synthesizerFactory(cfg, m, logger),
		SynthesizerName: cfg.TTSProvider,
		NewTranscriber:  transcriberFactory(cfg, logger),
		Archiver:        archiver,
		Metrics:         m,
		Tracker:         tracker,
		Logger:          logger,
		Health:          health,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	notified := tracker.NotifyAll("Server is shutting down")
	closed := tracker.CloseAll(protocol.CloseGoingAway)
	logger.Info("closing interview connections", "notified", notified, "closed", closed)
	if !tracker.Wait(ctx) {
		logger.Warn("interview connections did not drain before the deadline")
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
}

func transcriberFactory(cfg config.Config, logger *slog.Logger) orchestrator.TranscriberFactory {
	if cfg.STTProvider == "assemblyai" {
		return func(onSegment func(transcript.Segment)) orchestrator.Transcriber {
			return transcript.NewAssemblyAI(transcript.AssemblyAIConfig{APIKey: cfg.AssemblyAIKey}, onSegment, logger)
		}
	}
	return func(onSegment func(transcript.Segment)) orchestrator.Transcriber {
		return transcript.NewDeepgram(transcript.DeepgramConfig{APIKey: cfg.DeepgramKey, Model: cfg.DeepgramSTTModel}, onSegment, logger)
	}
}

// synthesizerFactory returns a per-connection constructor; each connection gets its own cache.
func synthesizerFactory(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) func() orchestrator.Synthesizer {
	var provider tts.Synthesizer
	if cfg.TTSProvider == "deepgram" {
		provider = tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramTTSModel, logger)
	} else {
		provider = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModelID)
	}
	return func() orchestrator.Synthesizer {
		return tts.NewCache(provider, cfg.Interview.TTSCacheSize, m.CacheHit)
	}
}
