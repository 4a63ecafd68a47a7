package relay

import (
	"encoding/json"
	"net/http"
	"testing"

	"relay-api/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAggregator() *Aggregator {
	return NewAggregator(zap.NewNop().Sugar(), "test")
}

func TestAggregatorConcatenatesPerChoice(t *testing.T) {
	agg := newTestAggregator()
	chunks := []string{
		`{"id":"gen-1","created":1700000000,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":""}},{"index":1,"delta":{"role":"assistant"}}]}`,
		`{"id":"gen-2","choices":[{"index":0,"delta":{"content":"Hel"}},{"index":1,"delta":{"content":"Bon"}}]}`,
		`{"choices":[{"index":1,"delta":{"content":"jour"}},{"index":0,"delta":{"content":"lo"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[{"index":0,"delta":{"content":""},"finish_reason":null}]}`,
	}
	for _, c := range chunks {
		require.NoError(t, agg.Apply([]byte(c)))
	}

	out := agg.Finalize()
	assert.Equal(t, "gen-1", out.ID)
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, int64(1700000000), out.Created)
	assert.Equal(t, "m", out.Model)
	require.Len(t, out.Choices, 2)
	assert.Equal(t, "Hello", out.Choices[0].Message.Content)
	assert.Equal(t, "Bonjour", out.Choices[1].Message.Content)
	require.NotNil(t, out.Choices[0].FinishReason)
	assert.Equal(t, "stop", *out.Choices[0].FinishReason)
	assert.Nil(t, out.Choices[1].FinishReason)
}

func TestAggregatorSkeletonIsFixed(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply([]byte(`{"id":"x","choices":[{"index":0,"delta":{"content":"a"}}]}`)))
	require.NoError(t, agg.Apply([]byte(`{"choices":[{"index":3,"delta":{"content":"ignored"}},{"index":0,"delta":{"content":"b"}}]}`)))

	out := agg.Finalize()
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "ab", out.Choices[0].Message.Content)
	assert.Equal(t, "assistant", out.Choices[0].Message.Role)
}

func TestAggregatorUsageReplacedWholesale(t *testing.T) {
	agg := newTestAggregator()
	assert.JSONEq(t, `{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}`, string(agg.Finalize().Usage))

	require.NoError(t, agg.Apply([]byte(`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4,"cost":0.5}}`)))
	require.NoError(t, agg.Apply([]byte(`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":7,"total_tokens":10}}`)))

	out := agg.Finalize()
	assert.JSONEq(t, `{"prompt_tokens":3,"completion_tokens":7,"total_tokens":10}`, string(out.Usage))
	require.NotNil(t, agg.Usage())
	assert.Equal(t, uint64(7), agg.Usage().CompletionTokens)
}

func TestAggregatorDropsMalformedChunks(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply([]byte(`{"choices":[{"index":0,"delta":{"content":"ok"}}]}`)))

	err := agg.Apply([]byte(`{"choices":[{"index":0,"delta":`))
	assert.True(t, IsParseError(err))
	assert.Equal(t, "ok", agg.Finalize().Choices[0].Message.Content)
	assert.Equal(t, 1, agg.Chunks())
}

func TestAggregatorReportsErrorChunks(t *testing.T) {
	agg := newTestAggregator()
	err := agg.Apply([]byte(`{"error":{"message":"overloaded","code":503}}`))

	var uerr *upstream.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusServiceUnavailable, uerr.Status)
	assert.Equal(t, 0, agg.Chunks())
}

func TestAggregatorResetDiscardsPartial(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply([]byte(`{"id":"first","choices":[{"index":0,"delta":{"content":"Hel"}}]}`)))
	agg.Reset()
	require.NoError(t, agg.Apply([]byte(`{"id":"second","choices":[{"index":0,"delta":{"content":"Hello"}}]}`)))

	out := agg.Finalize()
	assert.Equal(t, "second", out.ID)
	assert.Equal(t, "Hello", out.Choices[0].Message.Content)
}

func TestFinalizeEncodesNullFinishReason(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply([]byte(`{"id":"x","choices":[{"index":0,"delta":{"content":"hi"}}]}`)))

	b, err := json.Marshal(agg.Finalize())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id":"x","object":"chat.completion","created":0,"model":"",
		"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":null}],
		"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}
	}`, string(b))
}

func TestLineSplitterAcrossChunks(t *testing.T) {
	var s LineSplitter
	feed := func(chunk string) []string {
		lines, err := s.Feed([]byte(chunk))
		require.NoError(t, err)
		return lines
	}
	assert.Empty(t, feed("data: {\"a\""))
	assert.Equal(t, []string{`data: {"a":1}`, ""}, feed(":1}\r\n\n"))
	assert.Equal(t, []string{"data: [DONE]"}, feed("data: [DONE]\nda"))
	assert.Equal(t, "da", s.Rest())
	assert.Equal(t, "", s.Rest())
}

func TestLineSplitterRejectsLongLines(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
	}{
		{name: "terminated line", chunks: []string{"data: 0123456789abcdef\n"}},
		{name: "unterminated line", chunks: []string{"data: 0123456789abcdef"}},
		{name: "grows across chunks", chunks: []string{"data: 0123", "456789", "abcdef"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := LineSplitter{MaxLine: 16}
			var err error
			for _, c := range tt.chunks {
				if _, err = s.Feed([]byte(c)); err != nil {
					break
				}
			}
			require.ErrorIs(t, err, ErrLineTooLong)
			var perr *ParseError
			assert.ErrorAs(t, err, &perr)
		})
	}

	s := LineSplitter{MaxLine: 16}
	lines, err := s.Feed([]byte("data: 0123456789\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"data: 0123456789"}, lines)
}

func TestDecoderFailsOnLongLine(t *testing.T) {
	dec := NewDecoder(newTestAggregator())
	dec.splitter.MaxLine = 32
	dec.Reset()

	err := dec.Feed([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"way too long\"}}]}"))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestDecoderSkipsCommentsAndEvents(t *testing.T) {
	agg := newTestAggregator()
	dec := NewDecoder(agg)

	stream := ": OPENROUTER PROCESSING\n\n" +
		"event: message\n" +
		"data: {\"id\":\"g\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: not-json\n\n" +
		"data:{\"choices\":[{\"index\":0,\"delta\":{\"content\":\"!\"}}]}\n\n" +
		"data: [DONE]\n\n"

	// feed in awkward slices to cross line boundaries
	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		require.NoError(t, dec.Feed([]byte(stream[i:end])))
	}
	require.NoError(t, dec.Close())

	assert.True(t, dec.Done())
	assert.Equal(t, "Hi!", agg.Finalize().Choices[0].Message.Content)
}

func TestDecoderSurfacesStreamError(t *testing.T) {
	dec := NewDecoder(newTestAggregator())
	err := dec.Feed([]byte("data: {\"error\":{\"message\":\"rate limited\",\"code\":429}}\n\n"))

	var uerr *upstream.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, 429, uerr.Status)
	assert.Equal(t, "rate limited", uerr.Message)
}
