package processing

import (
	"context"

	"hookvault/internal/config"
	"hookvault/internal/eventstore"
	"hookvault/internal/logger"
	"hookvault/pkg/cel"
)

// Filters holds the admission rules compiled from processing.filters.
// A matching rule completes the event without running a handler.
type Filters struct {
	rules  []*cel.Filter
	logger logger.Logger
}

func NewFilters(cfgs []config.FilterConfig, log logger.Logger) (*Filters, error) {
	f := &Filters{logger: log}
	if len(cfgs) == 0 {
		return f, nil
	}

	eval, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	for _, c := range cfgs {
		rule, err := eval.CompileFilter(c.Name, c.Expression)
		if err != nil {
			return nil, err
		}
		f.rules = append(f.rules, rule)
	}
	return f, nil
}

// Match returns the name of the first rule that evaluates to true.
// Evaluation errors (for example a missing payload field) count as no match.
func (f *Filters) Match(ctx context.Context, ev *eventstore.WebhookEvent) (string, bool) {
	if f == nil || len(f.rules) == 0 {
		return "", false
	}
	in := cel.InputFromJSON(ev.Provider, ev.EventType, ev.EventID, ev.ReceivedAt, ev.Payload)
	for _, rule := range f.rules {
		ok, err := rule.Matches(ctx, in)
		if err != nil {
			f.logger.DebugwCtx(ctx, "Filter evaluation failed", "filter", rule.Name, "error", err)
			continue
		}
		if ok {
			return rule.Name, true
		}
	}
	return "", false
}
