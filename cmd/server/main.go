package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"

	"github.com/liamcoop/botevents/engine"
	"github.com/liamcoop/botevents/eventbus"
	"github.com/liamcoop/botevents/identity"
	"github.com/liamcoop/botevents/internal/boot"
	"github.com/liamcoop/botevents/internal/config"
	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/internal/metrics"
	"github.com/liamcoop/botevents/overlay"
	"github.com/liamcoop/botevents/rules"
	"github.com/liamcoop/botevents/schedule"
	"github.com/liamcoop/botevents/stats"
	"github.com/liamcoop/botevents/variables"
)

const serviceName = "botevents"

// stores groups the persistence collaborators, Postgres-backed when a
// database is configured and in-memory otherwise.
type stores struct {
	db        *sql.DB
	rules     rules.RuleStore
	users     identity.Directory
	variables variables.Store
}

func openStores(ctx context.Context, databaseURL string) (*stores, error) {
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not set, rules and counters are kept in memory")
		return &stores{
			rules:     rules.NewInMemoryRuleStore(),
			users:     identity.NewInMemoryDirectory(),
			variables: variables.NewInMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &stores{
		db:        db,
		rules:     rules.NewPostgresRuleStore(db),
		users:     identity.NewPostgresDirectory(db),
		variables: variables.NewPostgresStore(db),
	}, nil
}

func newResolver(cfg config.Config) identity.Resolver {
	if cfg.IdentityAPIURL == "" {
		return identity.ResolverFunc(func(context.Context, string) (string, error) {
			return "", errors.New("IDENTITY_API_URL is not set")
		})
	}
	return identity.NewHTTPResolver(identity.HTTPResolverConfig{
		BaseURL:  cfg.IdentityAPIURL,
		ClientID: cfg.IdentityClientID,
		Token:    cfg.IdentityToken,
		RetryMax: 3,
		Timeout:  5 * time.Second,
	})
}

// seedRules adds the rules of the seed file that are not stored yet.
func seedRules(ctx context.Context, eng *engine.Engine, path string) error {
	seeded, err := rules.LoadFile(path)
	if err != nil {
		return err
	}

	added := 0
	for _, rule := range seeded {
		if _, err := eng.Store().Get(ctx, rule.ID); err == nil {
			continue
		} else if !errors.Is(err, rules.ErrRuleNotFound) {
			return err
		}

		engine.PrepareRule(rule)
		if err := eng.ValidateRule(rule, nil); err != nil {
			return fmt.Errorf("seed rule %q: %w", rule.GivenName, err)
		}
		if err := eng.Store().Add(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %q: %w", rule.GivenName, err)
		}
		added++
	}
	logger.Info("rules seeded", "file", path, "rules", len(seeded), "added", added)
	return nil
}

func run(ctx context.Context, cfg config.Config) error {
	m := metrics.New()

	st, err := openStores(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	tracker := stats.NewTracker()
	roles := identity.Roles{Broadcaster: cfg.Broadcaster, Bot: cfg.Bot, Owners: cfg.Owners}
	resolver := newResolver(cfg)
	hub := overlay.NewHub(m)
	defer hub.Close()
	enricher := engine.NewEnricher(st.users, resolver, roles, m)

	deps := engine.OperationDeps{
		Overlay:   hub,
		Users:     st.users,
		Resolver:  resolver,
		Roles:     roles,
		Variables: st.variables,
		Excluded:  enricher.IsExcluded,
	}

	var nc *nats.Conn
	if cfg.NATSUrl != "" {
		if nc, err = boot.ConnectNATS(ctx, cfg, serviceName); err != nil {
			return err
		}
		defer nc.Close()

		pub := eventbus.NewPublisher(nc, eventbus.DefaultRequestTimeout)
		deps.Chat = pub
		deps.Commands = pub
		deps.Commercials = pub
		deps.Clips = pub
		deps.Channel = pub
		deps.Events = pub
	} else {
		logger.Warn("NATS_URL not set, chat and channel operations are disabled")
	}

	cacheConfig := engine.DefaultCacheConfig()
	cacheConfig.TTL = cfg.ProgramCacheTTL
	filter, err := engine.NewFilterEvaluator(tracker, st.variables, engine.NewInMemoryProgramCache(cacheConfig), m)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Store:      st.rules,
		Operations: engine.DefaultOperationCatalog(deps),
		Enricher:   enricher,
		Filter:     filter,
		Stats:      tracker,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	defer eng.Wait()

	if cfg.RulesFile != "" {
		if err := seedRules(ctx, eng, cfg.RulesFile); err != nil {
			return fmt.Errorf("seed rules: %w", err)
		}
	}

	sweeper := engine.NewSweeper(st.rules, eng.Events(), cfg.SweepInterval, m)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	ticker := schedule.NewStreamTicker(eng, tracker, enricher, cfg.TickInterval)
	ticker.Start()
	defer ticker.Stop()

	if nc != nil {
		sub := eventbus.NewSubscriber(nc, eng, tracker, cfg.NATSQueue)
		if err := sub.Start(); err != nil {
			return err
		}
		defer func() {
			if err := sub.Stop(); err != nil {
				logger.Warn("failed to drain subscriptions", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      NewServer(eng, st.variables, hub, m),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	return nil
}

func main() {
	os.Exit(serve())
}

func serve() int {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = logger.Shutdown(ctx)
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	logger.Info("server stopped")
	return 0
}
