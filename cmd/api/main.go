package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"revuiq/internal/adapters/gateway"
	server "revuiq/internal/adapters/http_server"
	"revuiq/internal/adapters/nlp"
	"revuiq/internal/adapters/observability"
	redisad "revuiq/internal/adapters/redis"
	"revuiq/internal/app"
	"revuiq/internal/domain"
	"revuiq/internal/shared"
	mysqlrepo "revuiq/internal/storage/mysql"
)

func main() {
	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv)

	observability.Serve()

	// db
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("database connection ok")

	// deps
	repo := mysqlrepo.New(db)
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	annotator := buildAnnotator(cfg)
	gw, err := gateway.New(cfg.GatewayBase, cfg.GatewayKey, 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize posting gateway client")
	}

	lifecycle := app.NewLifecycle(repo, annotator, gw, cache, app.LifecycleOptions{
		MaxPostAttempts: cfg.MaxPostAttempts,
	})
	stats := app.NewStatsService(repo)
	queries := app.NewQueryService(repo, cache, cfg.CacheTTL)
	ingest := app.NewIngestionService(nil, annotator, repo, cache)

	// scheduled POST_FAILED retry sweep
	var sched *cron.Cron
	if cfg.RetrySweepSpec != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(cfg.RetrySweepSpec, func() {
			lifecycle.SweepStalled(context.Background())
		}); err != nil {
			log.Fatal().Err(err).Str("spec", cfg.RetrySweepSpec).Msg("invalid retry sweep spec")
		}
		sched.Start()
		log.Info().Str("spec", cfg.RetrySweepSpec).Msg("retry sweeper scheduled")
	}

	// http
	srv := server.New()
	reg := observability.InitRegistry()
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{L: lifecycle, S: stats, Q: queries, I: ingest})

	log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Mux()}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	if sched != nil {
		<-sched.Stop().Done()
	}
	_ = httpSrv.Shutdown(context.Background())
	lifecycle.Wait() // drain in-flight gateway posts
}

func buildAnnotator(cfg shared.Config) domain.Annotator {
	client, err := nlp.New(cfg.NLPBase, cfg.NLPKey, 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize NLP client")
	}
	if cfg.NLPProvider != "openai" {
		return client
	}
	responder, err := nlp.NewOpenAIResponder(cfg.OpenAIKey, cfg.OpenAIModel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize OpenAI responder")
	}
	return nlp.WithResponder(client, responder)
}
