// carscout watches Bulgarian car classifieds, scores the underpriced and
// clean listings, and delivers them to a Telegram channel and per-user alerts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carscout/internal/alert"
	"carscout/internal/api"
	"carscout/internal/blob"
	"carscout/internal/channel"
	"carscout/internal/config"
	"carscout/internal/dedupe"
	"carscout/internal/llm"
	"carscout/internal/logger"
	"carscout/internal/normalize"
	"carscout/internal/parse"
	"carscout/internal/pipeline"
	"carscout/internal/price"
	"carscout/internal/queue"
	"carscout/internal/ratelimit"
	"carscout/internal/risk"
	"carscout/internal/scrape"
	"carscout/internal/score"
	"carscout/internal/store"
	"carscout/internal/telegram"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Flags win over the environment for the two settings operators most
	// often override by hand.
	apiAddr := flag.String("addr", cfg.APIAddr, "API listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.APIAddr = *apiAddr
	cfg.DBPath = *dbPath

	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := seed(db, cfg); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	limiter := ratelimit.New(rdb)

	blobs, err := blob.NewFS(cfg.BlobDir)
	if err != nil {
		return err
	}

	var evaluator risk.Evaluator
	if cfg.LLMAPIKey != "" {
		evaluator = llm.New(cfg.LLMAPIKey, cfg.LLMModel)
	} else {
		log.Warn("no LLM api key, risk escalation runs on rules alone")
	}

	var msgr telegram.Messenger = telegram.NewClient(cfg.TelegramBotToken)
	if cfg.TelegramBotToken == "" {
		log.Warn("no telegram bot token, deliveries will fail until one is set")
	}

	norm := normalize.New(log, cfg.PhoneHashSalt)

	adapters, err := feedAdapters(db)
	if err != nil {
		return err
	}

	chCfg := channel.DefaultConfig(cfg.PublicChannel)
	chCfg.BucketCapacity = cfg.ChannelPostRate
	chCfg.RefillPerHour = float64(cfg.ChannelPostRate)
	chCfg.DiversityCap = cfg.DiversityCapPerModel
	chCfg.DiversityWindow = cfg.DiversityWindow

	alCfg := alert.DefaultConfig()
	alCfg.RefillPerSec = float64(cfg.NotifyRatePerSec)
	alCfg.BucketCapacity = cfg.NotifyRatePerSec

	pipe := pipeline.New(pipeline.Deps{
		Log:        log,
		DB:         db,
		Scraper:    scrape.NewScraper(log, db, blobs, adapters),
		Parser:     parse.New(log, db, blobs, parse.NewRegistry(parse.MobileBG{}, parse.CarsBG{}), norm.PhoneHash),
		Normalizer: norm,
		Deduper:    dedupe.New(log, dedupe.NewHTTPFetcher(), nil),
		Estimator:  price.New(log),
		Risk:       risk.NewEngine(log, evaluator, cfg.PromptVersion, cfg.LLMTimeout),
		Thresholds: score.Thresholds{
			Score:      cfg.ScoreThreshold,
			Sample:     cfg.SampleThreshold,
			Confidence: cfg.ConfidenceThreshold,
		},
		Channel:  channel.New(log, db, limiter, msgr, chCfg),
		Alerts:   alert.NewEngine(log, db),
		Notifier: alert.NewNotifier(log, db, limiter, msgr, alCfg),
	})

	runner := queue.NewRunner(db.SqlDB(), log)
	runner.PollInterval = cfg.QueuePollInterval
	runner.StageDeadline = cfg.StageDeadline
	runner.MaxAttempts = cfg.MaxStageRetries
	runner.DefaultFanout = cfg.WorkerFanout
	runner.Fanout(queue.StageScrape, cfg.PerSourceConcurrency)
	pipe.Register(runner)

	scheduler := scrape.NewScheduler(log, db)
	scheduler.Poll = cfg.ScrapeTickBucket

	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewServer(log, db).Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shctx)
	})

	log.Info("carscout started",
		zap.String("env", cfg.Env), zap.String("db", cfg.DBPath),
		zap.Int("sources", len(adapters)))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("carscout stopped")
	return err
}

// seed installs reference data on every start; all seeds are idempotent
// upserts so restarts are safe.
func seed(db *store.Store, cfg *config.Config) error {
	q := db.SqlDB()
	if err := store.SeedPlans(q, cfg.FreeAlertDelay, cfg.FreeDailyCap, cfg.PremiumDailyCap); err != nil {
		return err
	}
	if err := store.SeedDefaultFXRates(q, time.Now().UTC()); err != nil {
		return err
	}
	return store.SeedBrandModels(q)
}

// feedAdapters wires every known source to the structured feed crawler.
// Sources added through the API are picked up on the next restart.
func feedAdapters(db *store.Store) (map[string]scrape.Adapter, error) {
	sources, err := store.AllSources(db.SqlDB())
	if err != nil {
		return nil, err
	}
	adapters := make(map[string]scrape.Adapter, len(sources))
	for _, src := range sources {
		adapters[src.Name] = scrape.NewFeedAdapter(src.BaseURL)
	}
	return adapters, nil
}
