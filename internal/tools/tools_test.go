package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandle(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"content": "ok"}, nil
}

func functionMetadata(name string) Metadata {
	return Metadata{
		Name:            name,
		Description:     "a test tool",
		Kind:            KindFunction,
		InputParameters: map[string]Parameter{"source": {Type: "string", Required: true}},
	}
}

func llmMetadata(name string) Metadata {
	return Metadata{
		Name:            name,
		Description:     "a model backed tool",
		Kind:            KindLLM,
		InputParameters: map[string]Parameter{"prompt": {Type: "string", Required: true}},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{"type": "string"},
				"tokens":  map[string]any{"type": "number"},
			},
		},
	}
}

func TestMetadataValidate(t *testing.T) {
	assert.NoError(t, functionMetadata("fetch_data").Validate())
	assert.NoError(t, llmMetadata("summarizer").Validate())

	cases := map[string]Metadata{
		"empty name": {
			Description:     "d",
			Kind:            KindFunction,
			InputParameters: map[string]Parameter{},
		},
		"empty description": {
			Name:            "t",
			Kind:            KindFunction,
			InputParameters: map[string]Parameter{},
		},
		"unknown kind": {
			Name:            "t",
			Description:     "d",
			Kind:            Kind("plugin"),
			InputParameters: map[string]Parameter{},
		},
		"nil parameters": {
			Name:        "t",
			Description: "d",
			Kind:        KindFunction,
		},
		"typeless parameter": {
			Name:            "t",
			Description:     "d",
			Kind:            KindFunction,
			InputParameters: map[string]Parameter{"x": {Required: true}},
		},
		"model backed without schema": {
			Name:            "t",
			Description:     "d",
			Kind:            KindVL,
			InputParameters: map[string]Parameter{"prompt": {Type: "string"}},
		},
	}
	for name, md := range cases {
		assert.ErrorIs(t, md.Validate(), ErrInvalidMetadata, name)
	}
}

func TestKind(t *testing.T) {
	assert.True(t, KindFunction.Valid())
	assert.True(t, KindLLM.Valid())
	assert.True(t, KindVL.Valid())
	assert.False(t, Kind("plugin").Valid())

	assert.False(t, KindFunction.IsModelBacked())
	assert.True(t, KindLLM.IsModelBacked())
	assert.True(t, KindVL.IsModelBacked())
}

func TestOutputFields(t *testing.T) {
	fields := llmMetadata("summarizer").OutputFields()
	assert.ElementsMatch(t, []string{"content", "tokens"}, fields)

	assert.Nil(t, functionMetadata("fetch_data").OutputFields())
}

func TestPoolAdd(t *testing.T) {
	pool := NewPool()

	require.NoError(t, pool.Add(functionMetadata("fetch_data"), noopHandle))
	require.NoError(t, pool.Add(llmMetadata("summarizer"), noopHandle))
	assert.Equal(t, 2, pool.Count())
	assert.Equal(t, []string{"fetch_data", "summarizer"}, pool.Names())

	err := pool.Add(functionMetadata("fetch_data"), noopHandle)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	err = pool.Add(functionMetadata("no_handle"), nil)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	tool, ok := pool.Get("fetch_data")
	require.True(t, ok)
	assert.Equal(t, KindFunction, tool.Metadata.Kind)

	_, ok = pool.Get("missing")
	assert.False(t, ok)
}

func TestRegistryActivation(t *testing.T) {
	pool := NewPool()
	require.NoError(t, pool.Add(functionMetadata("fetch_data"), noopHandle))
	require.NoError(t, pool.Add(llmMetadata("summarizer"), noopHandle))

	reg := NewRegistry()
	require.NoError(t, reg.Activate(pool, "fetch_data"))
	assert.True(t, reg.Has("fetch_data"))
	assert.False(t, reg.Has("summarizer"))

	// Re-activation is a no-op.
	require.NoError(t, reg.Activate(pool, "fetch_data"))
	assert.Equal(t, 1, reg.Count())

	err := reg.Activate(pool, "not_pooled")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, reg.ActivateAll(pool, []string{"fetch_data", "summarizer"}))
	assert.Equal(t, []string{"fetch_data", "summarizer"}, reg.Names())

	err = reg.ActivateAll(pool, []string{"summarizer", "not_pooled"})
	assert.ErrorIs(t, err, ErrNotFound)

	reg.Clear()
	assert.Equal(t, 0, reg.Count())
	// The pool is untouched by a registry clear.
	assert.Equal(t, 2, pool.Count())
}
