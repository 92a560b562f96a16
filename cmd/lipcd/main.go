package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lipc-project/lipc-engine/internal/call"
	"github.com/lipc-project/lipc-engine/internal/caption"
	"github.com/lipc-project/lipc-engine/internal/certwatch"
	"github.com/lipc-project/lipc-engine/internal/config"
	"github.com/lipc-project/lipc-engine/internal/events"
	"github.com/lipc-project/lipc-engine/internal/ratelimit"
	"github.com/lipc-project/lipc-engine/internal/router"
	"github.com/lipc-project/lipc-engine/internal/server"
	"github.com/lipc-project/lipc-engine/internal/session"
	"github.com/lipc-project/lipc-engine/internal/store"
	"github.com/lipc-project/lipc-engine/internal/token"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.ListenAddr, "listen", "", "listen address (overrides LISTEN_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.MongoURI, "mongo-uri", "", "mongodb uri (overrides MONGO_URI)")
	flag.StringVar(&overrides.TLSCertFile, "tls-cert", "", "tls certificate file (overrides TLS_CERT_FILE)")
	flag.StringVar(&overrides.TLSKeyFile, "tls-key", "", "tls key file (overrides TLS_KEY_FILE)")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("lipc-engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Signing key
	key, err := loadJWTKey(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load jwt signing key")
	}

	// Storage
	storeLog := log.With().Str("component", "store").Logger()
	st, err := store.Connect(ctx, cfg.MongoURI, cfg.DatabaseName, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mongodb")
	}
	defer st.Close(context.Background())

	// Optional event publishing
	pub, err := events.Connect(events.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Log:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer pub.Close()

	// Optional TLS with hot certificate reload
	var cw *certwatch.Watcher
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cw, err = certwatch.New(cfg.TLSCertFile, cfg.TLSKeyFile, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load tls certificate")
		}
		defer cw.Close()
	}

	tokens := token.NewService(token.Options{
		Key:        key,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		Store:      st,
		Log:        log.With().Str("component", "token").Logger(),
	})
	reg := session.NewRegistry(log)
	fanout := caption.NewFanOut(reg, log)
	coord := call.NewCoordinator(call.Options{
		Registry:    reg,
		Store:       st,
		FanOut:      fanout,
		Events:      pub,
		BaseContext: ctx,
		Log:         log,
	})
	rt := router.New(router.Options{
		Store:       st,
		Tokens:      tokens,
		Registry:    reg,
		Coordinator: coord,
		Events:      pub,
		Log:         log,
	})
	srv := server.New(server.Options{
		Addr:        cfg.ListenAddr,
		Router:      rt,
		Registry:    reg,
		Coordinator: coord,
		Store:       st,
		Events:      pub,
		Limiter:     ratelimit.New(0, 0, 0),
		CertWatcher: cw,
		BaseContext: ctx,
		Log:         log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("lipc-engine stopped")
}

// loadJWTKey prefers the key file; inline PEM exists for container setups
// that inject the key through the environment.
func loadJWTKey(cfg *config.Config) (*rsa.PrivateKey, error) {
	if cfg.JWTKeyFile != "" {
		return token.LoadPrivateKeyFile(cfg.JWTKeyFile)
	}
	return token.LoadPrivateKey([]byte(cfg.JWTKeyPEM))
}
