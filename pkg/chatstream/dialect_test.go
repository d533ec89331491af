package chatstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupDialect(t *testing.T) {
	tests := []struct {
		name string
		want Dialect
	}{
		{"", DialectAuto},
		{"auto", DialectAuto},
		{"DeepSeek", DialectDeepSeek},
		{" openrouter ", DialectOpenRouter},
		{"openai", DialectOpenAI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := LookupDialect(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}

	_, err := LookupDialect("anthropic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known: auto, deepseek, openai, openrouter")
}

func TestDialectNames(t *testing.T) {
	assert.Equal(t, []string{"auto", "deepseek", "openai", "openrouter"}, DialectNames())
}
