package tracer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTokenAbsent(t *testing.T) {
	args := map[string]any{"x": 1}
	tok, rest, err := ExtractToken(args)
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.Equal(t, args, rest)
}

func TestExtractTokenStruct(t *testing.T) {
	want := Token{TraceID: uuid.New(), SpanID: uuid.New(), SampleRate: 0.5, RetentionMinutes: 10, PreserveErrors: true}
	args := InjectToken(map[string]any{"x": 1}, want)

	tok, rest, err := ExtractToken(args)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, want, *tok)
	assert.Equal(t, map[string]any{"x": 1}, rest)
	// Original args keep the reserved key untouched.
	assert.Contains(t, args, TokenArgKey)
}

func TestExtractTokenDecodedJSON(t *testing.T) {
	traceID := uuid.New()
	spanID := uuid.New()
	args := map[string]any{
		TokenArgKey: map[string]any{
			"traceId":          traceID.String(),
			"spanId":           spanID.String(),
			"sampleRate":       0.25,
			"retentionMinutes": 30.0,
			"preserveErrors":   false,
		},
	}

	tok, rest, err := ExtractToken(args)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, traceID, tok.TraceID)
	assert.Equal(t, spanID, tok.SpanID)
	assert.Equal(t, 0.25, tok.SampleRate)
	assert.Equal(t, 30.0, tok.RetentionMinutes)
	assert.False(t, tok.PreserveErrors)
	assert.Empty(t, rest)
}

func TestExtractTokenMalformed(t *testing.T) {
	_, _, err := ExtractToken(map[string]any{TokenArgKey: "not a token"})
	require.Error(t, err)

	_, _, err = ExtractToken(map[string]any{TokenArgKey: map[string]any{"traceId": "not-a-uuid"}})
	require.Error(t, err)
}

func TestExtractTokenNilTraceIDTreatedAbsent(t *testing.T) {
	tok, _, err := ExtractToken(map[string]any{TokenArgKey: Token{}})
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestInjectTokenCopies(t *testing.T) {
	args := map[string]any{"a": "b"}
	out := InjectToken(args, Token{TraceID: uuid.New()})
	assert.NotContains(t, args, TokenArgKey)
	assert.Contains(t, out, TokenArgKey)
	assert.Equal(t, "b", out["a"])
}
