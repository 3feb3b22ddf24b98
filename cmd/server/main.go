package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/huddlekit/huddle/internal/adapters/http"
	"github.com/huddlekit/huddle/internal/adapters/rtc"
	signaladapter "github.com/huddlekit/huddle/internal/adapters/signal"
	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/app/sfu"
	"github.com/huddlekit/huddle/internal/audit"
	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/metrics"
	"github.com/huddlekit/huddle/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	st, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("store init")
	}

	keys := make([]auth.SigningKey, 0, len(cfg.SigningKeys))
	for _, k := range cfg.SigningKeys {
		keys = append(keys, auth.SigningKey{KID: k.KID, Secret: k.Secret})
	}
	tokens, err := auth.NewTokenService(keys, cfg.AccessTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("token service init")
	}

	coll := metrics.NewCollector()
	sink := audit.NewLogSink(log.Logger)

	engine, err := rtc.NewEngine(rtc.EngineConfig{
		ICEServers:       iceServers(cfg),
		SampleInterval:   cfg.Speaker.SampleInterval,
		SilenceThreshold: cfg.Speaker.SilenceThreshold,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("media engine init")
	}
	defer engine.Close()

	orch := &app.Orchestrator{
		Store:          st,
		Registry:       app.NewRegistry(),
		Audit:          sink,
		Metrics:        coll,
		RelayThreshold: cfg.RelayThreshold,
	}
	sessions := sfu.NewManager(engine, orch)
	orch.Media = sessions
	go sessions.RunSpeakerBroadcast(ctx, cfg.Speaker.BroadcastInterval)

	sig := &signaladapter.Controller{
		Orch:       orch,
		Sessions:   sessions,
		Tokens:     tokens,
		Metrics:    coll,
		Gate:       router.NewIPConnCap(cfg.RateLimit.MaxConnsPerIP),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		RootCtx:    ctx,
	}

	r := router.SetupRouter(router.Deps{
		Cfg:     cfg,
		Store:   st,
		Tokens:  tokens,
		Orch:    orch,
		Audit:   sink,
		Metrics: coll,
		Signal:  sig,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Backend).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "mongo":
		return store.NewMongo(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
	case "", "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
