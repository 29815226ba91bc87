package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"zimfarm/internal/accounts"
	"zimfarm/internal/api"
	"zimfarm/internal/auth"
	"zimfarm/internal/broker"
	"zimfarm/internal/config"
	"zimfarm/internal/dispatcher"
	"zimfarm/internal/domain"
	"zimfarm/internal/lock"
	"zimfarm/internal/registry"
	"zimfarm/internal/scheduler"
	"zimfarm/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to zimfarm.yaml")
		debug   = flag.Bool("debug", false, "expose /debug/pprof")
	)
	flag.Parse()

	cfg, v, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	config.SetupLogger(cfg.Logging, os.Stdout)
	config.WatchLevel(v)
	if err := cfg.ValidateDispatcher(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(cfg.DB.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate db")
	}
	repo := store.NewSQLiteRepo(db)

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		rc, err := lock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("connect redis")
		}
		defer rc.Close()
		locker = lock.NewRedis(rc, "zimfarm:")
		log.Info().Str("addr", cfg.Redis.Addr).Msg("beat locks in redis")
	}

	var publisher broker.Publisher = broker.Nop{}
	if cfg.AMQP.URL != "" {
		b, err := broker.DialAMQP(ctx, cfg.AMQP.URL, cfg.AMQP.DialAttempts)
		if err != nil {
			log.Fatal().Err(err).Msg("connect amqp")
		}
		publisher = b
	}
	defer publisher.Close()

	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.AccessTTL)
	acc := accounts.New(repo, issuer, cfg.Auth.RefreshTTL)
	if err := acc.EnsureAdmin(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword); err != nil {
		log.Fatal().Err(err).Msg("create admin user")
	}

	reg := registry.New(repo)
	disp := dispatcher.New(repo, publisher, uploads(cfg.Upload))

	sched := scheduler.NewService(repo, disp, locker, cfg.Scheduler.Interval, cfg.Scheduler.LockTTL)
	go sched.Start(ctx)

	handler := api.NewServer(reg, disp, acc, issuer, api.Options{
		APIPrefix:  cfg.HTTP.APIPrefix,
		RatePerSec: cfg.HTTP.RatePerSec,
		RateBurst:  cfg.HTTP.RateBurst,
		Debug:      *debug,
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("prefix", cfg.HTTP.APIPrefix).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	sched.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func uploads(u config.Upload) domain.Upload {
	target := func(uri string) *domain.UploadTarget {
		if uri == "" {
			return nil
		}
		return &domain.UploadTarget{URI: uri, Expiration: u.Expiration}
	}
	return domain.Upload{
		Logs:      target(u.LogsURI),
		Zim:       target(u.ZimURI),
		Artifacts: target(u.ArtifactsURI),
	}
}
