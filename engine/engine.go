package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/internal/metrics"
	"github.com/liamcoop/botevents/rules"
	"github.com/liamcoop/botevents/stats"
)

// Rule evaluation outcomes reported to metrics.
const (
	OutcomeDispatched     = "dispatched"
	OutcomeFilteredOut    = "filtered"
	OutcomeCheckerBlocked = "blocked"
	OutcomeError          = "error"
)

// Config wires an Engine. Store and Filter are required; nil catalogs fall
// back to the defaults and a nil Enricher disables enrichment.
type Config struct {
	Store      rules.RuleStore
	Events     *EventCatalog
	Operations *OperationCatalog
	Enricher   *Enricher
	Filter     *FilterEvaluator
	Stats      stats.Provider
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Engine evaluates stored rules against fired events and dispatches the
// operations of every rule whose filter and checker both pass.
type Engine struct {
	store      rules.RuleStore
	events     *EventCatalog
	operations *OperationCatalog
	enricher   *Enricher
	filter     *FilterEvaluator
	dispatcher *Dispatcher
	checkEnv   CheckEnv
	metrics    *metrics.Metrics
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: rule store is required")
	}
	if cfg.Filter == nil {
		return nil, errors.New("engine: filter evaluator is required")
	}
	if cfg.Events == nil {
		cfg.Events = DefaultEventCatalog()
	}
	if cfg.Operations == nil {
		cfg.Operations = DefaultOperationCatalog(OperationDeps{})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		store:      cfg.Store,
		events:     cfg.Events,
		operations: cfg.Operations,
		enricher:   cfg.Enricher,
		filter:     cfg.Filter,
		dispatcher: NewDispatcher(cfg.Operations, cfg.Metrics),
		checkEnv:   CheckEnv{Store: cfg.Store, Stats: cfg.Stats, Now: cfg.Now},
		metrics:    cfg.Metrics,
	}, nil
}

func (e *Engine) Events() *EventCatalog         { return e.events }
func (e *Engine) Operations() *OperationCatalog { return e.operations }
func (e *Engine) Filter() *FilterEvaluator      { return e.filter }
func (e *Engine) Store() rules.RuleStore        { return e.store }

// Fire processes one occurrence of eventName. A truthy "reset" attribute
// clears the trigger state of the event's rules instead. Operations run in
// the background; Fire returns once every rule was evaluated.
//
// Fire returns an error wrapping identity.ErrUnresolvableUser when the
// subject could not be resolved, in which case no rule is evaluated. Errors
// of individual rules are joined; the other rules still run.
func (e *Engine) Fire(ctx context.Context, eventName string, attrs Attributes) error {
	attrs = attrs.Clone()
	if attrs.Bool("reset") {
		return e.Reset(ctx, eventName)
	}
	e.metrics.EventFired(eventName)

	if e.enricher != nil {
		if err := e.enricher.Enrich(ctx, eventName, attrs); err != nil {
			return fmt.Errorf("enrich %s: %w", eventName, err)
		}
	}

	candidates, err := e.store.ListEnabledByEvent(ctx, eventName)
	if err != nil {
		return fmt.Errorf("load rules for %s: %w", eventName, err)
	}

	var errs []error
	for _, rule := range candidates {
		if err := e.evaluate(ctx, rule, attrs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// evaluate gates one rule and dispatches its operations when both the filter
// and the checker pass. Filter and checker see independent copies of attrs.
func (e *Engine) evaluate(ctx context.Context, rule *rules.EventRule, attrs Attributes) error {
	var passFilter, passCheck bool
	filterAttrs, checkAttrs := attrs.Clone(), attrs.Clone()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		passFilter = e.filter.Evaluate(gctx, rule.Filter, filterAttrs)
		return nil
	})
	g.Go(func() error {
		var err error
		passCheck, err = e.check(gctx, rule, checkAttrs)
		return err
	})

	if err := g.Wait(); err != nil {
		e.metrics.CheckerError(rule.EventName)
		e.metrics.RuleEvaluated(rule.EventName, OutcomeError)
		logger.Error("checker failed", "rule_id", rule.ID, "event", rule.EventName, "error", err)
		return fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	switch {
	case !passFilter:
		e.metrics.RuleEvaluated(rule.EventName, OutcomeFilteredOut)
		return nil
	case !passCheck:
		e.metrics.RuleEvaluated(rule.EventName, OutcomeCheckerBlocked)
		return nil
	}

	logger.Info("rule triggered", "rule_id", rule.ID, "rule", rule.GivenName, "event", rule.EventName)
	e.metrics.RuleEvaluated(rule.EventName, OutcomeDispatched)
	e.dispatcher.Dispatch(ctx, rule, attrs)
	return nil
}

// check runs the event's checker on a copy of rule with the catalog defaults
// filled in. Events without a checker always pass.
func (e *Engine) check(ctx context.Context, rule *rules.EventRule, attrs Attributes) (bool, error) {
	spec, ok := e.events.Lookup(rule.EventName)
	if !ok || spec.Check == nil {
		return true, nil
	}
	working := rule.Clone()
	working.Definitions = working.Definitions.WithDefaults(spec.Definitions)
	return spec.Check(ctx, e.checkEnv, working, attrs)
}

// Reset clears the trigger state of every rule bound to eventName, enabled
// or not.
func (e *Engine) Reset(ctx context.Context, eventName string) error {
	n, err := e.store.ResetTriggered(ctx, eventName)
	if err != nil {
		return fmt.Errorf("reset %s: %w", eventName, err)
	}
	logger.Debug("trigger state reset", "event", eventName, "rules", n)
	return nil
}

// TestFire dispatches the operations of one rule with attrs, bypassing its
// filter and checker. The operations see "test": true.
func (e *Engine) TestFire(ctx context.Context, ruleID string, attrs Attributes) (int, error) {
	rule, err := e.store.Get(ctx, ruleID)
	if err != nil {
		return 0, err
	}
	attrs = attrs.Clone()
	attrs["test"] = true

	logger.Info("test firing rule", "rule_id", rule.ID, "event", rule.EventName)
	return e.dispatcher.Dispatch(ctx, rule, attrs), nil
}

// Wait blocks until every dispatched operation returned.
func (e *Engine) Wait() {
	e.dispatcher.Wait()
}
