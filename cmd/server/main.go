package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Conclave/internal/adapters/http"
	"github.com/dkeye/Conclave/internal/adapters/mhpush"
	wsignal "github.com/dkeye/Conclave/internal/adapters/signal"
	"github.com/dkeye/Conclave/internal/app"
	"github.com/dkeye/Conclave/internal/app/binding"
	"github.com/dkeye/Conclave/internal/app/fencing"
	"github.com/dkeye/Conclave/internal/app/meeting"
	"github.com/dkeye/Conclave/internal/app/mh"
	"github.com/dkeye/Conclave/internal/app/quorum"
	"github.com/dkeye/Conclave/internal/config"
	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
	"github.com/dkeye/Conclave/internal/identity"
	"github.com/dkeye/Conclave/internal/storage/memstore"
	"github.com/dkeye/Conclave/internal/storage/sqlitestore"
)

// joinRateLimit bounds join attempts per remote address.
const (
	joinRateLimit  = 10
	joinRateWindow = time.Minute
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	instance := domain.InstanceID(cfg.InstanceID)

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	// Every store call goes through the breaker and a per-call timeout.
	breaker := fencing.NewBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	guarded := fencing.NewGuardedStore(store, breaker, cfg.Store.Timeout)
	coord := fencing.NewCoordinator(guarded, instance)

	registry := mh.NewRegistry(cfg.MH.HeartbeatInterval, cfg.MH.DegradedMisses, cfg.MH.UnhealthyMisses)
	controller := app.NewController(app.ControllerDeps{
		Coordinator:   coord,
		Loader:        meeting.NewLoader(coord),
		Selector:      mh.NewSelector(registry),
		Pusher:        mhpush.New(cfg.MH.PushTimeout),
		Breaker:       breaker,
		EndGrace:      cfg.Meeting.EndGrace,
		RestartLimit:  cfg.Meeting.RestartLimit,
		RestartWindow: cfg.Meeting.RestartWindow,
	})
	registry.SetOnUnhealthy(controller.MHFailed)

	verifier := &identity.JWTVerifier{
		HS256Key:    []byte(cfg.Identity.HS256Secret),
		JWKSURL:     cfg.Identity.JWKSURL,
		Issuer:      cfg.Identity.Issuer,
		MaxTokenAge: cfg.Identity.MaxTokenAge,
	}
	binder := binding.NewService(guarded, verifier, []byte(cfg.Binding.MasterSecret), cfg.Binding.TTL, cfg.Binding.GraceWindow)

	var tracker *quorum.Tracker
	tracker = quorum.NewTracker(cfg.Quorum.Window, controller.MeetingSize,
		func(suspect domain.InstanceID, _ domain.MeetingID) {
			takeCtx, takeCancel := context.WithTimeout(ctx, 30*time.Second)
			defer takeCancel()
			if _, err := controller.TakeOver(takeCtx, suspect); err != nil {
				log.Error().Err(err).Str("suspect", string(suspect)).Msg("takeover failed")
				return
			}
			// The takeover settled every meeting the suspect owned;
			// leftover tallies against it are stale.
			tracker.Reset(suspect)
		})

	handler := wsignal.NewHandler(controller, binder, verifier,
		wsignal.NewRateLimiter(joinRateLimit, joinRateWindow),
		cfg.ReadLimit, cfg.PingPeriod)

	r := router.SetupRouter(router.Deps{
		Cfg:      cfg,
		Control:  controller,
		Signal:   handler,
		Registry: registry,
		Quorum:   tracker,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		controller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		registry.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("instance", cfg.InstanceID).Msg("Conclave coordinator started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		// Drain first: actors tell clients to reconnect elsewhere and
		// leave durable state in the store, then the listener closes.
		controller.Drain(cfg.Drain.Grace)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("Server exited gracefully")
}

func openStore(cfg *config.Config) (core.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return sqlitestore.Open(cfg.Store.DSN)
	case "memory", "":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
