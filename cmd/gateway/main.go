// ogc-gateway federates OGC API Processes providers behind one HTTP surface.
// Copyright (C) 2025 ogc-gateway contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command gateway is the composition root: it loads configuration, wires
// every port to its production adapter, and serves the HTTP surface
// until an interrupt asks it to shut down.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/citysciencelab/ogc-gateway/internal/config"
	"github.com/citysciencelab/ogc-gateway/internal/httpapi"
	"github.com/citysciencelab/ogc-gateway/internal/httpclient"
	"github.com/citysciencelab/ogc-gateway/internal/identity"
	"github.com/citysciencelab/ogc-gateway/internal/inputs"
	"github.com/citysciencelab/ogc-gateway/internal/jobmanager"
	"github.com/citysciencelab/ogc-gateway/internal/logging"
	"github.com/citysciencelab/ogc-gateway/internal/observers"
	"github.com/citysciencelab/ogc-gateway/internal/processmanager"
	"github.com/citysciencelab/ogc-gateway/internal/providers"
	"github.com/citysciencelab/ogc-gateway/internal/repo/sqlite"
	"github.com/citysciencelab/ogc-gateway/internal/resultpub"
	"github.com/citysciencelab/ogc-gateway/internal/retry"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("ogc-gateway starting", cfg.LogAttrs()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Error("open job store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	catalog, err := providers.Load(cfg.ProvidersFile, 500*time.Millisecond, log)
	if err != nil {
		log.Error("load providers file", "error", err)
		os.Exit(1)
	}
	go catalog.Watch(ctx)

	client := httpclient.New()
	retrier := retry.New(retry.DefaultConfig())

	var inputStore jobmanager.InputsStore
	if cfg.S3Bucket != "" {
		s3Store, err := inputs.New(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3AccessKeyID, cfg.S3SecretAccessKey)
		if err != nil {
			log.Error("init inputs store", "error", err)
			os.Exit(1)
		}
		inputStore = s3Store
	}

	var results resultpub.Port
	if cfg.GeoserverURL != "" {
		results = resultpub.Geoserver{
			HTTP:     client,
			BaseURL:  cfg.GeoserverURL,
			Username: cfg.GeoserverUser,
			Password: cfg.GeoserverPassword,
		}
	}

	jobCfg := jobmanager.Config{APIPrefix: cfg.APIPrefix, PollMinInterval: cfg.PollInterval}
	if cfg.HasPollTimeout {
		jobCfg.PollTimeout = &cfg.PollTimeout
	}

	var jobs *jobmanager.Manager
	fanout := observers.New(log,
		observers.StatusHistoryObserver{Repo: store},
		observers.PollingSchedulerObserver{Schedule: func(jobID string) { jobs.SchedulePollIfNeeded(jobID) }},
		observers.ResultsVerificationObserver{HTTP: client, Log: log},
		observers.MetricsObserver{},
	)
	jobs = jobmanager.New(jobCfg, jobmanager.Deps{
		Repo:      store,
		Providers: catalog,
		HTTP:      client,
		Retrier:   retrier,
		Observer:  fanout,
		Inputs:    inputStore,
		Results:   results,
		Log:       log,
	})
	defer jobs.Shutdown(context.Background())

	processes := processmanager.New(catalog, client, cfg.APIPrefix)

	verifier := buildVerifier(cfg)

	api := &httpapi.API{
		Jobs:      jobs,
		Processes: processes,
		Repo:      store,
		Verifier:  verifier,
		Log:       log,
		RateLimit: cfg.RateLimitPerMinute,
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	jobs.Shutdown(shutdownCtx)
	log.Info("exited")
}

// buildVerifier chains the bootstrap admin credential (if configured)
// with a bearer-token verifier against the identity provider's HMAC
// secret. Neither is required: with both unset the API treats every
// caller as Anonymous, which is only appropriate for a dev deployment.
func buildVerifier(cfg config.Config) identity.Verifier {
	var chain identity.ChainVerifier
	if cfg.AdminUsername != "" && cfg.AdminPasswordHash != "" {
		chain = append(chain, identity.BasicAdminVerifier{
			Username:     cfg.AdminUsername,
			PasswordHash: cfg.AdminPasswordHash,
		})
	}
	if cfg.IdentityHMACSecret != "" {
		secret := []byte(cfg.IdentityHMACSecret)
		chain = append(chain, identity.KeyfuncVerifier{
			Keyfunc: func(t *jwt.Token) (any, error) { return secret, nil },
		})
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}
