package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/eventrelay/internal/discord"
	"github.com/agentworkforce/eventrelay/internal/feed"
	"github.com/agentworkforce/eventrelay/internal/httpapi"
	"github.com/agentworkforce/eventrelay/internal/relay"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("eventrelay stopped")
	}
}

func setupLogging(cfg config, out io.Writer) {
	zerolog.SetGlobalLevel(cfg.logLevel())
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if strings.EqualFold(strings.TrimSpace(cfg.LogFormat), "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "eventrelay").Logger()
}

func openStore(cfg config) (relay.Store, error) {
	dsn, err := cfg.storeDSN()
	if err != nil {
		return nil, err
	}
	if path, ok := strings.CutPrefix(dsn, "sqlite://"); ok && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	return relay.OpenStore(dsn)
}

// platform bundles what the HTTP layer needs from the chat platform.
type platform struct {
	gateway     relay.Gateway
	members     relay.MembershipResolver
	provisioner httpapi.ChannelProvisioner
	close       func() error
}

func openPlatform(cfg config, store relay.Store) (platform, error) {
	if strings.TrimSpace(cfg.DiscordToken) == "" {
		log.Warn().Msg("DISCORD_TOKEN not set, deliveries will fail until a chat client is configured")
		disabled := discord.Disabled{}
		return platform{
			gateway:     disabled,
			members:     disabled,
			provisioner: disabled,
			close:       func() error { return nil },
		}, nil
	}
	client, err := discord.Open(cfg.DiscordToken, store)
	if err != nil {
		return platform{}, err
	}
	return platform{
		gateway:     client.Gateway(),
		members:     client.Members(),
		provisioner: client.Provisioner(),
		close:       client.Close,
	}, nil
}

func newHandler(cfg config, store relay.Store, p platform) http.Handler {
	secret := cfg.SessionSecret
	if secret == "" {
		log.Warn().Msg("EVENTRELAY_SESSION_SECRET not set, using the development secret")
	}
	return httpapi.NewServer(httpapi.Dependencies{
		Store:       store,
		Gateway:     p.gateway,
		Members:     p.members,
		Provisioner: p.provisioner,
		Feed:        feed.NewHub(0),
	}, httpapi.ServerConfig{
		SessionSecret:   secret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	})
}

func run(ctx context.Context, cfg config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()

	p, err := openPlatform(cfg, store)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.close(); err != nil {
			log.Error().Err(err).Msg("close chat session")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(cfg, store, p),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("eventrelay listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
