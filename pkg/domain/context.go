package domain

import "reflect"

// StageOutput is the last-known output of one stage.
type StageOutput struct {
	Stage string `json:"stage"`
	Value any    `json:"value"`
}

// PipelineContext is the value carried through a single pipeline run. The
// identity fields never change during a run; Payload and Outputs change with
// every successful stage, and Version counts those changes.
type PipelineContext struct {
	PipelineID PipelineID        `json:"pipeline_id"`
	RunID      string            `json:"run_id"`
	Version    uint64            `json:"version"`
	Outputs    []StageOutput     `json:"outputs,omitempty"` // declaration order of first write
	Payload    any               `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewPipelineContext creates a version-zero context for a run.
func NewPipelineContext(id PipelineID, runID string, payload any) PipelineContext {
	return PipelineContext{
		PipelineID: id,
		RunID:      runID,
		Payload:    payload,
		Metadata:   make(map[string]string),
	}
}

// Output returns the last output recorded for the named stage.
func (c *PipelineContext) Output(stage string) (any, bool) {
	for _, out := range c.Outputs {
		if out.Stage == stage {
			return out.Value, true
		}
	}
	return nil, false
}

// OutputNames returns the stage names with recorded outputs, in order.
func (c *PipelineContext) OutputNames() []string {
	names := make([]string, len(c.Outputs))
	for i, out := range c.Outputs {
		names[i] = out.Stage
	}
	return names
}

// Advance records a stage output, makes it the new payload and bumps the version.
func (c *PipelineContext) Advance(stage string, output any) {
	c.Payload = output
	replaced := false
	for i := range c.Outputs {
		if c.Outputs[i].Stage == stage {
			c.Outputs[i].Value = output
			replaced = true
			break
		}
	}
	if !replaced {
		c.Outputs = append(c.Outputs, StageOutput{Stage: stage, Value: output})
	}
	c.Version++
}

// Clone returns a copy that shares no mutable state with c.
func (c PipelineContext) Clone() PipelineContext {
	out := c
	out.Payload = CloneValue(c.Payload)
	if c.Outputs != nil {
		out.Outputs = make([]StageOutput, len(c.Outputs))
		for i, o := range c.Outputs {
			out.Outputs[i] = StageOutput{Stage: o.Stage, Value: CloneValue(o.Value)}
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CloneValue deep-copies v. Maps, slices, arrays, pointers and the exported
// fields of structs are copied recursively; pointers shared inside v stay
// shared inside the copy. Unexported struct fields, channels and funcs are
// copied by value and must be treated as immutable.
func CloneValue(v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = CloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = CloneValue(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(typed))
		for k, val := range typed {
			out[k] = val
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	case []byte:
		return append([]byte(nil), typed...)
	case string, bool, float64, int, int64, uint64:
		return v
	}
	c := cloner{seen: make(map[seenKey]reflect.Value)}
	return c.clone(reflect.ValueOf(v)).Interface()
}

type seenKey struct {
	ptr uintptr
	typ reflect.Type
}

type cloner struct {
	seen map[seenKey]reflect.Value
}

func (c *cloner) clone(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(c.clone(v.Elem()))
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		key := seenKey{ptr: v.Pointer(), typ: v.Type()}
		if out, ok := c.seen[key]; ok {
			return out
		}
		out := reflect.New(v.Type().Elem())
		c.seen[key] = out
		out.Elem().Set(c.clone(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(c.clone(iter.Key()), c.clone(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(c.clone(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(c.clone(v.Index(i)))
		}
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if field := out.Field(i); field.CanSet() {
				field.Set(c.clone(v.Field(i)))
			}
		}
		return out
	default:
		return v
	}
}
