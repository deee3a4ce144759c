package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polisai/hexaflow/pkg/domain"
	"github.com/polisai/hexaflow/pkg/policy"
	"github.com/polisai/hexaflow/pkg/stage"
)

// defaultNamespace is the sink namespace used when a sink stage names none.
const defaultNamespace = "results"

// builtinRegistry returns the demo handlers available to file-declared
// pipelines. Forward stages write into sink.
func builtinRegistry(sink domain.Sink, logger *slog.Logger) *stage.Registry {
	reg := stage.NewRegistry()

	reg.Register("static", "v1", staticHandler, "const")
	reg.Register("input", "v1", inputHandler)
	reg.Register("require_fields", "v1", requireFieldsHandler)
	reg.Register("threshold", "v1", thresholdHandler)
	reg.Register("when", "v1", whenHandler(policy.NewPredicates()), "rego")
	reg.Register("uppercase", "v1", uppercaseHandler)
	reg.Register("set", "v1", setHandler)
	reg.Register("sleep", "v1", sleepHandler)
	reg.Register("fail", "v1", failHandler)
	reg.Register("sink", "v1", sinkHandler(sink), "store")
	reg.Register("log", "v1", logHandler(logger))

	return reg
}

// staticHandler returns config["value"].
func staticHandler(_ context.Context, _ domain.PipelineContext, cfg map[string]any) (any, error) {
	value, ok := cfg["value"]
	if !ok {
		return nil, domain.BusinessRule(fmt.Errorf("static handler requires config.value"))
	}
	return domain.CloneValue(value), nil
}

// inputHandler passes the run input through.
func inputHandler(_ context.Context, pc domain.PipelineContext, _ map[string]any) (any, error) {
	return pc.Payload, nil
}

// requireFieldsHandler passes when the payload is an object holding every
// key listed in config["fields"].
func requireFieldsHandler(_ context.Context, pc domain.PipelineContext, cfg map[string]any) (any, error) {
	obj, ok := pc.Payload.(map[string]any)
	if !ok {
		return false, nil
	}
	for _, field := range stringList(cfg["fields"]) {
		if _, ok := obj[field]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// thresholdHandler passes when payload[config.field] >= config.min.
func thresholdHandler(_ context.Context, pc domain.PipelineContext, cfg map[string]any) (any, error) {
	field, _ := cfg["field"].(string)
	minimum, ok := number(cfg["min"])
	if field == "" || !ok {
		return nil, domain.BusinessRule(fmt.Errorf("threshold handler requires config.field and numeric config.min"))
	}
	obj, ok := pc.Payload.(map[string]any)
	if !ok {
		return false, nil
	}
	value, ok := number(obj[field])
	if !ok {
		return false, nil
	}
	return value >= minimum, nil
}

// whenHandler passes when the Rego query in config["query"] holds for the
// payload bound to input.
func whenHandler(predicates *policy.Predicates) stage.Handler {
	return func(ctx context.Context, pc domain.PipelineContext, cfg map[string]any) (any, error) {
		query, _ := cfg["query"].(string)
		p, err := predicates.Get(ctx, query)
		if err != nil {
			return nil, domain.BusinessRule(err)
		}
		held, err := p.Eval(ctx, pc.Payload)
		if err != nil {
			return nil, domain.BusinessRule(err)
		}
		return held, nil
	}
}

// uppercaseHandler upper-cases string payloads and the string fields of
// object payloads.
func uppercaseHandler(_ context.Context, pc domain.PipelineContext, _ map[string]any) (any, error) {
	switch v := pc.Payload.(type) {
	case string:
		return strings.ToUpper(v), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if s, ok := val.(string); ok {
				out[key] = strings.ToUpper(s)
				continue
			}
			out[key] = val
		}
		return out, nil
	default:
		return nil, domain.BusinessRule(fmt.Errorf("uppercase cannot format %T", pc.Payload))
	}
}

// setHandler merges config["fields"] into an object payload.
func setHandler(_ context.Context, pc domain.PipelineContext, cfg map[string]any) (any, error) {
	out := make(map[string]any)
	if obj, ok := pc.Payload.(map[string]any); ok {
		for k, v := range obj {
			out[k] = v
		}
	} else if pc.Payload != nil {
		return nil, domain.BusinessRule(fmt.Errorf("set cannot merge into %T", pc.Payload))
	}
	fields, _ := cfg["fields"].(map[string]any)
	for k, v := range fields {
		out[k] = domain.CloneValue(v)
	}
	return out, nil
}

// sleepHandler waits config["duration"] and returns the payload unchanged.
func sleepHandler(ctx context.Context, pc domain.PipelineContext, cfg map[string]any) (any, error) {
	raw, _ := cfg["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, domain.BusinessRule(fmt.Errorf("sleep duration %q: %w", raw, err))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return pc.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failHandler always fails with config["message"].
func failHandler(_ context.Context, _ domain.PipelineContext, cfg map[string]any) (any, error) {
	msg, _ := cfg["message"].(string)
	if msg == "" {
		msg = "stage failed"
	}
	return nil, domain.BusinessRule(fmt.Errorf("%s", msg))
}

// sinkHandler writes the payload to sink under config["namespace"], keyed by
// run ID.
func sinkHandler(sink domain.Sink) stage.Handler {
	return func(ctx context.Context, pc domain.PipelineContext, cfg map[string]any) (any, error) {
		ns, _ := cfg["namespace"].(string)
		if ns == "" {
			ns = defaultNamespace
		}
		return nil, stage.ToSink(sink, ns, nil)(ctx, pc)
	}
}

func logHandler(logger *slog.Logger) stage.Handler {
	return func(ctx context.Context, pc domain.PipelineContext, cfg map[string]any) (any, error) {
		msg, _ := cfg["message"].(string)
		if msg == "" {
			msg = "pipeline feedback"
		}
		logger.InfoContext(ctx, msg,
			"pipeline_id", pc.PipelineID,
			"run_id", pc.RunID,
			"version", pc.Version,
			"payload", pc.Payload,
		)
		return nil, nil
	}
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
