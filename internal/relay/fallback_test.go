package relay

import (
	"encoding/json"
	"testing"

	"relay-api/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSelector() *Selector {
	return &Selector{
		Default: upstream.Target{Name: "openrouter", URL: "https://openrouter.ai/api/v1/chat/completions", CallerAuth: true},
		FastPaths: []FastPath{{
			Target: upstream.Target{Name: "deepseek", URL: "https://api.deepseek.com/chat/completions", APIKey: "k"},
			Models: map[string]string{"deepseek/deepseek-chat": "deepseek-chat"},
		}},
	}
}

func TestSelectFastPath(t *testing.T) {
	body := []byte(`{"model":"deepseek/deepseek-chat","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	route := testSelector().Select("deepseek/deepseek-chat", body)

	require.NotNil(t, route.FastPath)
	assert.Equal(t, "deepseek", route.FastPath.Name)
	assert.Equal(t, "deepseek-chat", route.FastModel)
	assert.Equal(t, body, route.Body)
	assert.Equal(t, "openrouter", route.Default.Name)

	var rewritten map[string]any
	require.NoError(t, json.Unmarshal(route.FastBody, &rewritten))
	assert.Equal(t, "deepseek-chat", rewritten["model"])
	assert.Equal(t, true, rewritten["stream"])
	assert.Len(t, rewritten["messages"], 1)
}

func TestSelectDefaultOnly(t *testing.T) {
	body := []byte(`{"model":"openai/gpt-4o"}`)
	route := testSelector().Select("openai/gpt-4o", body)

	assert.Nil(t, route.FastPath)
	assert.Nil(t, route.FastBody)
	assert.Equal(t, body, route.Body)
}

func TestSelectSkipsFastPathForUnparsableBody(t *testing.T) {
	route := testSelector().Select("deepseek/deepseek-chat", []byte(`[1,2]`))
	assert.Nil(t, route.FastPath)
}
