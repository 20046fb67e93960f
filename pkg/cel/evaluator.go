package cel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// Input is the activation an event is evaluated against. User and
// Engagement are the decoded JSON objects of the event's data.
type Input struct {
	EventID     string
	Source      string
	FunnelStage string
	EventType   string
	Timestamp   time.Time
	User        map[string]interface{}
	Engagement  map[string]interface{}
}

func (in Input) vars() map[string]interface{} {
	return map[string]interface{}{
		"eventId":     in.EventID,
		"source":      in.Source,
		"funnelStage": in.FunnelStage,
		"eventType":   in.EventType,
		"timestamp":   in.Timestamp,
		"user":        orEmpty(in.User),
		"engagement":  orEmpty(in.Engagement),
	}
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("eventId", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("funnelStage", cel.StringType),
		cel.Variable("eventType", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("engagement", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compile(expression)
	return err
}

// CompileFilter compiles expression once so it can be evaluated per event.
func (e *Evaluator) CompileFilter(expression string) (*Filter, error) {
	ast, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Filter{expression: expression, program: program}, nil
}

func (e *Evaluator) compile(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return ast, nil
}

// Filter is a compiled boolean expression. It is safe for concurrent use.
type Filter struct {
	expression string
	program    cel.Program
}

func (f *Filter) Expression() string {
	return f.expression
}

func (f *Filter) Match(ctx context.Context, in Input) (bool, error) {
	result, _, err := f.program.ContextEval(ctx, in.vars())
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}
