package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/internal/metrics"
	"github.com/liamcoop/botevents/rules"
)

// Dispatcher starts the operations of a rule that passed its gates. Each
// operation runs on its own goroutine with its own copy of the attributes;
// callers never wait on them.
type Dispatcher struct {
	catalog *OperationCatalog
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func NewDispatcher(catalog *OperationCatalog, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{catalog: catalog, metrics: m}
}

// Dispatch launches every known operation of rule in list order and returns
// the number launched. Unknown operations are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *rules.EventRule, attrs Attributes) int {
	ctx = context.WithoutCancel(ctx)

	launched := 0
	for _, op := range rule.Operations {
		spec, ok := d.catalog.Lookup(op.Name)
		if !ok || spec.Run == nil {
			logger.Debug("skipping unknown operation", "operation", op.Name, "rule_id", rule.ID)
			d.metrics.OperationRun(op.Name, "unknown")
			continue
		}

		inv := Invocation{
			RuleID:          rule.ID,
			EventName:       rule.EventName,
			Operation:       op.Name,
			RuleDefinitions: rule.Definitions.Clone(),
			Definitions:     op.Definitions.WithDefaults(spec.Definitions),
			Attributes:      attrs.Clone(),
		}

		d.wg.Add(1)
		go d.run(ctx, spec.Run, inv)
		launched++
	}
	return launched
}

func (d *Dispatcher) run(ctx context.Context, handler OperationHandler, inv Invocation) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.metrics.OperationRun(inv.Operation, "panic")
			logger.ErrorOperation(inv.Operation, inv.RuleID, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := handler(ctx, inv); err != nil {
		d.metrics.OperationRun(inv.Operation, "error")
		logger.ErrorOperation(inv.Operation, inv.RuleID, err)
		return
	}
	d.metrics.OperationRun(inv.Operation, "ok")
}

// Wait blocks until every launched operation returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
