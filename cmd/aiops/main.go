// Command aiops runs the alert ingestion gateway and the incident read
// API.
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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.temporal.io/sdk/client"

	"github.com/incidentops/evidence-graph/internal/config"
	"github.com/incidentops/evidence-graph/internal/dedup"
	"github.com/incidentops/evidence-graph/internal/gateway"
	"github.com/incidentops/evidence-graph/internal/graph"
	"github.com/incidentops/evidence-graph/internal/store"
	"github.com/incidentops/evidence-graph/internal/workflow"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(settings)

	db, err := store.Open(settings.PostgresDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	defer db.Close()

	graphSvc, err := graph.New(settings.Neo4jURI, settings.Neo4jUser, settings.Neo4jPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Neo4j")
	}
	defer graphSvc.Close(context.Background())
	graphSvc.InitConstraints(context.Background())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     settings.RedisAddr(),
		Password: settings.RedisPassword,
		DB:       settings.RedisDB,
	})
	defer redisClient.Close()

	deduper := dedup.NewDeduplicator(redisClient, settings.FingerprintTTL())
	limiter := dedup.NewRateLimiter(redisClient, settings.RateLimitPerMinute, time.Minute)

	// The gateway stays up without Temporal; incidents are stored for
	// manual triage until the worker fleet is reachable again.
	var starter gateway.WorkflowStarter
	temporalClient, err := client.Dial(client.Options{
		HostPort:  settings.TemporalAddress,
		Namespace: settings.TemporalNamespace,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Temporal unavailable, incidents will not be analyzed automatically")
	} else {
		defer temporalClient.Close()
		starter = workflow.NewStarter(temporalClient, settings.TemporalTaskQueue, settings.VerificationWait())
	}

	server := gateway.NewServer(db, deduper, limiter, graphSvc, starter)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", settings.AppHost, settings.AppPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Str("env", settings.AppEnv).Msg("Gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

func setupLogging(settings *config.Settings) {
	level, err := zerolog.ParseLevel(settings.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if settings.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("app", config.AppName).Logger()
}
