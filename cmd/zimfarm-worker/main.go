package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"zimfarm/internal/auth"
	"zimfarm/internal/client"
	"zimfarm/internal/config"
	"zimfarm/internal/handlers/offliner"
	"zimfarm/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "path to zimfarm.yaml")
	flag.Parse()

	cfg, v, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	config.SetupLogger(cfg.Logging, os.Stdout)
	config.WatchLevel(v)
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	wc := cfg.Worker

	var (
		refresher client.Refresher
		oidc      *client.OIDCAuth
	)
	if wc.OIDC.ClientID != "" {
		oidc = client.NewOIDCAuth(&auth.PKCE{
			Config: &oauth2.Config{
				ClientID: wc.OIDC.ClientID,
				Endpoint: oauth2.Endpoint{AuthURL: wc.OIDC.AuthURL, TokenURL: wc.OIDC.TokenURL},
			},
			RevokeURL: wc.OIDC.RevokeURL,
		}, wc.OIDC.RefreshToken)
		refresher = oidc
	} else {
		refresher = &client.PasswordAuth{BaseURL: wc.APIURL, Username: wc.Username, Password: wc.Password}
	}

	runner, err := offliner.NewRunner(wc.DockerPrefix, wc.OutputDir, wc.Resources)
	if err != nil {
		log.Fatal().Err(err).Msg("container prefix")
	}

	pool := worker.NewPool(client.New(wc.APIURL, refresher, 30*time.Second), runner, worker.Options{
		Name:           wc.Name,
		Queues:         wc.Queues,
		Concurrency:    wc.Concurrency,
		Poll:           wc.Poll,
		CancelPoll:     wc.CancelPoll,
		TimeoutFactor:  wc.TimeoutFactor,
		DefaultTimeout: wc.DefaultTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
		log.Info().Msg("shutting down, waiting for running tasks")
		pool.Stop()
		<-done
	case <-done:
	}

	if oidc != nil {
		logoutCtx, cancelLogout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelLogout()
		if err := oidc.Logout(logoutCtx); err != nil {
			log.Warn().Err(err).Msg("revoke refresh token")
		}
	}
}
