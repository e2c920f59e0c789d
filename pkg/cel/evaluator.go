package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// Input is the activation a filter expression sees.
type Input struct {
	Provider   string
	EventType  string
	EventID    string
	ReceivedAt time.Time
	Payload    map[string]interface{}
}

// InputFromJSON decodes raw as a JSON object; any other shape yields an empty payload map.
func InputFromJSON(provider, eventType, eventID string, receivedAt time.Time, raw []byte) Input {
	payload := map[string]interface{}{}
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		payload = map[string]interface{}{}
	}
	return Input{
		Provider:   provider,
		EventType:  eventType,
		EventID:    eventID,
		ReceivedAt: receivedAt,
		Payload:    payload,
	}
}

func (in Input) vars() map[string]interface{} {
	return map[string]interface{}{
		"provider":    in.Provider,
		"event_type":  in.EventType,
		"event_id":    in.EventID,
		"received_at": in.ReceivedAt,
		"payload":     in.Payload,
	}
}

type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("provider", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("event_id", cel.StringType),
		cel.Variable("received_at", cel.TimestampType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// Filter is a compiled boolean expression.
type Filter struct {
	Name       string
	Expression string
	program    cel.Program
}

func (e *Evaluator) CompileFilter(name, expression string) (*Filter, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter %q: CEL expression validation failed: %w", name, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter %q: expression must return bool, got %v", name, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("filter %q: failed to create CEL program: %w", name, err)
	}

	return &Filter{Name: name, Expression: expression, program: program}, nil
}

func (f *Filter) Matches(ctx context.Context, in Input) (bool, error) {
	result, _, err := f.program.ContextEval(ctx, in.vars())
	if err != nil {
		return false, fmt.Errorf("filter %q: failed to evaluate CEL expression: %w", f.Name, err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q: CEL expression did not return bool, got %T", f.Name, result.Value())
	}

	return boolVal, nil
}
