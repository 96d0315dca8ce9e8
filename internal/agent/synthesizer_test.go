package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsagent/internal/domain"
	"rsagent/internal/jobs"
)

func testSchema(t *testing.T) jobs.Schema {
	t.Helper()
	s, err := jobs.ParseSchema([]byte(radiometerSchema))
	require.NoError(t, err)
	return s
}

func TestSynthesizer_ValidCandidateUntouched(t *testing.T) {
	s := NewSynthesizer(SynthesizerConfig{Provider: staticProvider(`{"frequency": [1.4, 6.9]}`), Logger: discardLogger()})

	c, err := s.Synthesize(context.Background(), SynthesisInput{Text: "x", Schema: testSchema(t)})

	require.NoError(t, err)
	assert.True(t, c.Valid())
	assert.False(t, c.Coerced)
	assert.Equal(t, map[string]any{"frequency": []any{1.4, 6.9}}, c.Parameters)
}

func TestSynthesizer_OneCoercionPass(t *testing.T) {
	s := NewSynthesizer(SynthesizerConfig{Provider: staticProvider(`{"frequency": "18.7", "angle": "55"}`), Logger: discardLogger()})

	c, err := s.Synthesize(context.Background(), SynthesisInput{Text: "x", Schema: testSchema(t)})

	require.NoError(t, err)
	assert.True(t, c.Valid())
	assert.True(t, c.Coerced)
	assert.Equal(t, []any{18.7}, c.Parameters["frequency"])
	assert.Equal(t, 55.0, c.Parameters["angle"])
}

func TestSynthesizer_StillInvalidAfterCoercion(t *testing.T) {
	s := NewSynthesizer(SynthesizerConfig{Provider: staticProvider(`{"angle": 120}`), Logger: discardLogger()})

	c, err := s.Synthesize(context.Background(), SynthesisInput{Text: "x", Schema: testSchema(t)})

	require.NoError(t, err)
	require.Error(t, c.Err)
	assert.ErrorIs(t, c.Err, domain.ErrValidation)
	assert.Contains(t, c.Err.Error(), "frequency: is required")
}

func TestSynthesizer_MalformedOutputIsValidationFailure(t *testing.T) {
	s := NewSynthesizer(SynthesizerConfig{Provider: staticProvider("no idea"), Logger: discardLogger()})

	c, err := s.Synthesize(context.Background(), SynthesisInput{Text: "x", Schema: testSchema(t)})

	require.NoError(t, err)
	var verr *jobs.ValidationError
	require.True(t, errors.As(c.Err, &verr))
	assert.Equal(t, "radiometer_test", verr.SchemaID)
}

func TestSynthesizer_RequestsStructuredOutput(t *testing.T) {
	llm := staticProvider(`{"frequency": [1.4]}`)
	s := NewSynthesizer(SynthesizerConfig{Provider: llm, Logger: discardLogger()})
	schema := testSchema(t)

	_, err := s.Synthesize(context.Background(), SynthesisInput{
		Text:            "radiometer run",
		Schema:          schema,
		Prior:           map[string]any{"frequency": []any{200.0}},
		RejectionReason: "frequency out of range",
	})
	require.NoError(t, err)

	req := llm.requests()[0]
	assert.Equal(t, schema.JSONSchema(), req.Format)
	require.Len(t, req.Messages, 4)
	assert.Contains(t, req.Messages[0].Content, `"frequency"`)
	assert.Equal(t, `{"frequency":[200]}`, req.Messages[2].Content)
	assert.Contains(t, req.Messages[3].Content, "frequency out of range")
}

func TestSynthesizer_ProviderErrorReturned(t *testing.T) {
	s := NewSynthesizer(SynthesizerConfig{Provider: downProvider(), Logger: discardLogger()})

	_, err := s.Synthesize(context.Background(), SynthesisInput{Text: "x", Schema: testSchema(t)})

	assert.ErrorIs(t, err, domain.ErrLLMUnavailable)
}
