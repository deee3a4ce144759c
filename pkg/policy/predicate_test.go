package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicateEval(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		query string
		input any
		want  bool
	}{
		{name: "comparison holds", query: "input.qty >= 1", input: map[string]any{"qty": 3}, want: true},
		{name: "comparison fails", query: "input.qty >= 1", input: map[string]any{"qty": 0}, want: false},
		{name: "every expression must hold", query: `input.qty >= 1; input.sku != ""`, input: map[string]any{"qty": 2, "sku": ""}, want: false},
		{name: "conjunction holds", query: `input.qty >= 1; startswith(input.sku, "a-")`, input: map[string]any{"qty": 2, "sku": "a-9"}, want: true},
		{name: "missing field is undefined", query: "input.qty >= 1", input: map[string]any{}, want: false},
		{name: "boolean field", query: "input.active", input: map[string]any{"active": true}, want: true},
		{name: "false boolean field", query: "input.active", input: map[string]any{"active": false}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPredicate(ctx, tt.query)
			require.NoError(t, err)
			got, err := p.Eval(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPredicateNonBoolean(t *testing.T) {
	p, err := NewPredicate(context.Background(), "input.qty")
	require.NoError(t, err)

	_, err = p.Eval(context.Background(), map[string]any{"qty": 3})
	require.ErrorIs(t, err, ErrNotBoolean)
}

func TestPredicateCompileErrors(t *testing.T) {
	_, err := NewPredicate(context.Background(), "  ")
	require.Error(t, err)

	_, err = NewPredicate(context.Background(), "input.qty >=")
	require.Error(t, err)
}

func TestPredicatesCompileOnce(t *testing.T) {
	set := NewPredicates()
	ctx := context.Background()

	first, err := set.Get(ctx, "input.qty > 1")
	require.NoError(t, err)
	second, err := set.Get(ctx, " input.qty > 1 ")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, "input.qty > 1", first.Query())

	_, err = set.Get(ctx, "input.qty >")
	require.Error(t, err)
	assert.Equal(t, 1, set.Len())
}
