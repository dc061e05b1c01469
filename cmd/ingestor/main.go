package main

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"revuiq/internal/adapters/nlp"
	"revuiq/internal/adapters/observability"
	"revuiq/internal/adapters/platform"
	redisad "revuiq/internal/adapters/redis"
	"revuiq/internal/app"
	"revuiq/internal/shared"
	mysqlrepo "revuiq/internal/storage/mysql"
)

func main() {
	ctx := context.Background()
	cfg := shared.Load()

	log.Logger = observability.NewLogger(cfg.AppEnv)

	log.Info().
		Str("base", cfg.PlatformBase).
		Int("workers", cfg.Workers).
		Int("reviews", cfg.ReviewCount).
		Int("businesses", len(cfg.BusinessIDs)).
		Msg("ingestor starting")

	if len(cfg.BusinessIDs) == 0 {
		log.Fatal().Msg("INGEST_BUSINESS_IDS is empty")
	}

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("db ping ok")

	repo := mysqlrepo.New(db)

	source, err := platform.New(cfg.PlatformBase, cfg.PlatformKey, 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize platform client")
	}
	annotator, err := nlp.New(cfg.NLPBase, cfg.NLPKey, 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize NLP client")
	}
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	ing := app.NewIngestionService(source, annotator, repo, cache)

	sem := semaphore.NewWeighted(int64(cfg.Workers))
	var wg sync.WaitGroup

	for _, id := range cfg.BusinessIDs {
		// acquire before launching the goroutine; release inside it
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Fatal().Err(err).Msg("semaphore acquire failed")
		}

		wg.Add(1)
		go func(businessID int64) {
			defer wg.Done()
			defer sem.Release(1)

			n, err := ing.IngestBusiness(ctx, businessID, cfg.ReviewCount)
			if err != nil {
				log.Warn().Int64("id", businessID).Int("ingested", n).Err(err).Msg("ingest failed")
				return
			}
			log.Info().Int64("id", businessID).Int("ingested", n).Msg("ingest ok")
		}(id)
	}

	wg.Wait()
	log.Info().Msg("ingestion completed")
}
