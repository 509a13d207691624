package clients

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/creator-pipeline/internal/llm"
)

type stubLLM struct {
	model  string
	closed bool
}

func (s *stubLLM) GenerateContent(context.Context, string, llm.ModelTier) (string, error) {
	return "", nil
}

func (s *stubLLM) GenerateJSON(context.Context, string, llm.ModelTier) (string, error) {
	return "{}", nil
}

func (s *stubLLM) GetModel(llm.ModelTier) string { return s.model }

func (s *stubLLM) Close() error {
	s.closed = true
	return nil
}

func TestCache_LLMReusesClients(t *testing.T) {
	var built []*stubLLM
	cache := New(Config{
		NewLLM: func(_ context.Context, cfg *llm.Config, _ string) (llm.Client, error) {
			c := &stubLLM{model: cfg.GetModel(llm.TierStandard)}
			built = append(built, c)
			return c, nil
		},
	})

	ctx := context.Background()
	a, err := cache.LLM(ctx, "")
	require.NoError(t, err)
	b, err := cache.LLM(ctx, "")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "gpt-5-mini", a.GetModel(llm.TierStandard))

	custom, err := cache.LLM(ctx, "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", custom.GetModel(llm.TierStandard))
	assert.Len(t, built, 2)

	require.NoError(t, cache.Close())
	for _, c := range built {
		assert.True(t, c.closed)
	}

	_, err = cache.LLM(ctx, "")
	assert.Error(t, err)
	assert.NoError(t, cache.Close())
}

func TestCache_HTTPShared(t *testing.T) {
	cache := New(Config{})
	assert.Same(t, cache.HTTP(), cache.HTTP())
	assert.Equal(t, DefaultHTTPTimeout, cache.HTTP().Timeout)
}
