package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/internal/metrics"
	"github.com/liamcoop/botevents/internal/values"
	"github.com/liamcoop/botevents/stats"
	"github.com/liamcoop/botevents/variables"
)

// filterCostLimit bounds the work one evaluation may do.
const filterCostLimit = 1000000

// Bindings every filter can reference, with or without a leading $.
var filterBindings = []string{
	"username", "source", "is", "recipient", "recipientis", "method", "months",
	"monthsName", "message", "command", "count", "bits", "amount", "currency",
	"tier", "reason", "target", "viewers", "duration", "titleOfReward", "userInput",
	"game", "title", "views", "followers", "subscribers", "isBotSubscriber",
	"isStreamOnline",
}

var roleFlags = []string{"moderator", "subscriber", "vip", "follower", "broadcaster", "bot", "owner"}

// FilterEvaluator compiles rule filters to CEL programs and evaluates them
// against event attributes, live channel stats and custom variables.
// Programs only see the activation built here.
type FilterEvaluator struct {
	base    *cel.Env
	cache   ProgramCache
	stats   stats.Provider
	vars    variables.Store
	metrics *metrics.Metrics
}

func NewFilterEvaluator(provider stats.Provider, vars variables.Store, cache ProgramCache, m *metrics.Metrics) (*FilterEvaluator, error) {
	opts := []cel.EnvOption{
		ext.Strings(),
		cel.CrossTypeNumericComparisons(true),
		cel.Function(truthyFunction,
			cel.Overload("truthy_dyn", []*cel.Type{cel.DynType}, cel.BoolType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return types.Bool(truthy(v))
				}),
			),
		),
	}
	for _, name := range filterBindings {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if cache == nil {
		cache = NewInMemoryProgramCache(DefaultCacheConfig())
	}

	return &FilterEvaluator{
		base:    env,
		cache:   cache,
		stats:   provider,
		vars:    vars,
		metrics: m,
	}, nil
}

// Evaluate reports whether expression passes for attrs. Blank expressions
// pass and compile or runtime errors fail. Any other result is reduced to
// its truthiness.
func (f *FilterEvaluator) Evaluate(ctx context.Context, expression string, attrs Attributes) bool {
	if strings.TrimSpace(expression) == "" {
		return true
	}

	custom, err := f.customVariables(ctx)
	if err != nil {
		logger.Warn("custom variables unavailable for filter", "error", err)
		custom = map[string]string{}
	}

	prog, err := f.program(expression, custom)
	if err != nil {
		f.metrics.FilterError()
		logger.Debug("filter does not compile", "filter", expression, "error", err)
		return false
	}

	out, _, err := prog.ContextEval(ctx, f.activation(attrs, custom))
	if err != nil {
		f.metrics.FilterError()
		logger.Debug("filter evaluation failed", "filter", expression, "error", err)
		return false
	}

	return truthy(out)
}

// Compile checks that expression is valid with the given custom variable
// names in scope.
func (f *FilterEvaluator) Compile(expression string, customNames []string) error {
	if strings.TrimSpace(expression) == "" {
		return nil
	}
	custom := make(map[string]string, len(customNames))
	for _, name := range customNames {
		custom[name] = ""
	}
	_, err := f.program(expression, custom)
	return err
}

// InvalidateCache drops compiled programs.
func (f *FilterEvaluator) InvalidateCache() {
	f.cache.Invalidate()
}

func (f *FilterEvaluator) customVariables(ctx context.Context) (map[string]string, error) {
	if f.vars == nil {
		return map[string]string{}, nil
	}
	return f.vars.GetAll(ctx)
}

func (f *FilterEvaluator) program(expression string, custom map[string]string) (cel.Program, error) {
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)
	key := expression + "\x00" + strings.Join(names, ",")

	if entry, ok := f.cache.Get(key); ok {
		return entry.Program, entry.Err
	}

	prog, err := f.compile(expression, names)
	f.cache.Set(key, CompiledFilter{Program: prog, Err: err})
	return prog, err
}

func (f *FilterEvaluator) compile(expression string, customNames []string) (cel.Program, error) {
	env := f.base
	if len(customNames) > 0 {
		decls := make([]cel.EnvOption, 0, len(customNames))
		for _, name := range customNames {
			decls = append(decls, cel.Variable("_"+name, cel.DynType))
		}
		var err error
		env, err = f.base.Extend(decls...)
		if err != nil {
			return nil, fmt.Errorf("failed to extend CEL environment: %w", err)
		}
	}

	checked, issues := env.Compile(translateFilter(expression))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	checked, issues = cel.NewStaticOptimizer(truthyOperands{}).Optimize(env, checked)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := env.Program(checked, cel.CostLimit(filterCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

const truthyFunction = "truthy"

// truthy reports whether a filter value counts as true: null, false, zero,
// NaN and the empty string do not. Lists, maps and other values do.
func truthy(v ref.Val) bool {
	switch t := v.(type) {
	case types.Bool:
		return bool(t)
	case types.Int:
		return t != 0
	case types.Uint:
		return t != 0
	case types.Double:
		return t != 0 && !math.IsNaN(float64(t))
	case types.String:
		return t != ""
	case types.Null:
		return false
	default:
		return v != nil && !types.IsUnknownOrError(v)
	}
}

// truthyOperands wraps every operand of &&, ||, ! and the condition of ?:
// that is not statically a bool in a truthy() call, so `$username && $bits`
// works on plain values.
type truthyOperands struct{}

func (truthyOperands) Optimize(ctx *cel.OptimizerContext, a *ast.AST) *ast.AST {
	logical := func(e ast.NavigableExpr) bool {
		if e.Kind() != ast.CallKind {
			return false
		}
		switch e.AsCall().FunctionName() {
		case operators.LogicalAnd, operators.LogicalOr, operators.LogicalNot, operators.Conditional:
			return true
		}
		return false
	}

	for _, call := range ast.MatchDescendants(ast.NavigateAST(a), logical) {
		operands := call.Children()
		if call.AsCall().FunctionName() == operators.Conditional {
			operands = operands[:1]
		}
		for _, operand := range operands {
			if operand.Type() != nil && operand.Type().IsExactType(types.BoolType) {
				continue
			}
			inner := ctx.CopyASTAndMetadata(ctx.NewAST(operand))
			ctx.UpdateExpr(operand, ctx.NewCall(truthyFunction, inner))
		}
	}
	return a
}

// activation builds the read-only variables a filter sees.
func (f *FilterEvaluator) activation(attrs Attributes, custom map[string]string) map[string]any {
	get := func(key string) any {
		if v, ok := attrs[key]; ok && v != nil {
			return values.Normalize(v)
		}
		return nil
	}
	flags := func(key string) map[string]any {
		out := make(map[string]any, len(roleFlags))
		nested, _ := asMap(attrs[key])
		for _, flag := range roleFlags {
			out[flag] = values.Bool(nested[flag])
		}
		return out
	}

	act := make(map[string]any, len(filterBindings)+len(custom))
	for _, name := range filterBindings {
		act[name] = get(name)
	}
	act["is"] = flags("is")
	act["recipientis"] = flags("recipientis")

	var snap stats.Snapshot
	if f.stats != nil {
		snap = f.stats.Current()
	}
	act["game"] = snap.Game
	act["title"] = snap.Title
	act["views"] = int64(snap.Views)
	act["followers"] = int64(snap.Followers)
	act["subscribers"] = int64(snap.Subscribers)
	act["isBotSubscriber"] = snap.IsBotSubscriber
	act["isStreamOnline"] = snap.Online

	for name, raw := range custom {
		act["_"+name] = customValue(raw)
	}
	return act
}

// customValue exposes numeric custom variables as numbers.
func customValue(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	if n, ok := values.Number(raw); ok {
		return values.Normalize(n)
	}
	return raw
}

// translateFilter accepts the authoring syntax of stored filters: $name
// identifiers and the strict equality operators. String literals are left
// untouched.
func translateFilter(expr string) string {
	var b strings.Builder
	b.Grow(len(expr))

	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]

		if quote != 0 {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(expr) {
				i++
				b.WriteByte(expr[i])
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}

		switch {
		case c == '"' || c == '\'':
			quote = c
			b.WriteByte(c)
		case c == '$' && i+1 < len(expr) && isIdentStart(expr[i+1]):
			// drop the sigil
		case (c == '=' || c == '!') && strings.HasPrefix(expr[i+1:], "=="):
			b.WriteByte(c)
			b.WriteByte('=')
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
