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

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecore/internal/adapters/directory"
	router "github.com/dkeye/voicecore/internal/adapters/http"
	signaling "github.com/dkeye/voicecore/internal/adapters/signal"
	"github.com/dkeye/voicecore/internal/app"
	"github.com/dkeye/voicecore/internal/app/orch"
	"github.com/dkeye/voicecore/internal/app/sfu"
	"github.com/dkeye/voicecore/internal/clock"
	"github.com/dkeye/voicecore/internal/config"
	"github.com/dkeye/voicecore/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// config.Load logs, so the global logger goes first.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if cfg.Secret == "" {
		cfg.Secret = uuid.NewString()
		log.Warn().Msg("no session secret configured, sessions will not survive a restart")
	}

	policy, err := sfu.NewTransportPolicy(cfg.ListenIPs, cfg.EnableUDP, cfg.EnableTCP, cfg.InitialOutgoingBitrate)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid transport settings")
	}
	listenIP := ""
	if addrs, err := sfu.ParseListenAddresses(cfg.ListenIPs); err == nil && len(addrs) > 0 {
		listenIP = addrs[0].IP
	}
	var ice []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	pool := sfu.NewPool(cfg.Workers, sfu.NewWorkerFactory(sfu.WorkerConfig{
		ListenIP:   listenIP,
		MinPort:    cfg.RTCMinPort,
		MaxPort:    cfg.RTCMaxPort,
		EnableTCP:  cfg.EnableTCP,
		ICEServers: ice,
	}), sfu.WithDeathDelay(cfg.WorkerDeathDelay))
	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start media workers")
	}

	dir := directory.New(directory.Config{
		BaseURL:   cfg.DirectoryURL,
		Secret:    cfg.InternalSecret,
		Timeout:   cfg.DirectoryTimeout,
		Workers:   cfg.EventWorkers,
		QueueSize: cfg.EventQueueSize,
	})
	dir.Start(ctx)

	rooms := app.NewRoomManager(pool, policy,
		app.WithMaxParticipants(cfg.MaxRoomParticipants),
		app.WithRoomClosedHook(func(name domain.RoomName) {
			if ch, err := name.Channel(); err == nil {
				dir.ClearActiveVoice(ch)
			}
		}),
	)
	o := orch.New(rooms, app.NewPresence(nil), dir, dir)
	sup := app.NewSupervisor(clock.Real(), cfg.PingPeriod, cfg.OfflineGrace, o.Offline)
	o.Supervisor = sup
	go sup.Run(ctx)

	ws := signaling.NewSignalWSController(o, signaling.Config{
		ReadLimit: cfg.ReadLimit,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	})
	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:     o,
		Signal:   ws,
		Identity: dir,
		Workers:  func() int { return len(pool.Workers()) },
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Int("workers", pool.Size()).Msg("voice server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	rooms.Close()
	if err := pool.Close(); err != nil {
		log.Error().Err(err).Msg("worker pool close")
	}
	dir.Wait()
	log.Info().Msg("server exited gracefully")
}
