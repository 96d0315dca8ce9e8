package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsagent/internal/domain"
)

func TestClassifier_KeywordDecisions(t *testing.T) {
	llm := downProvider()
	c := NewClassifier(ClassifierConfig{Provider: llm, Logger: discardLogger()})

	tests := []struct {
		text string
		want domain.Intent
	}{
		{"Submit a job for scenario snow_dmrt_qms at 17 GHz", domain.IntentJobRequest},
		{"please run the AIEM simulation with sm 0.3", domain.IntentJobRequest},
		{"Can you analyze the file I uploaded", domain.IntentFileAnalysis},
		{"look at this csv and plot the trend", domain.IntentFileAnalysis},
		{"What is the difference between DMRT-QMS and DMRT-BIC?", domain.IntentKnowledge},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, decision := c.Classify(context.Background(), tt.text, nil)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, DecisionKeyword, decision)
		})
	}
	assert.Empty(t, llm.requests(), "unambiguous text must not reach the LLM")
}

func TestClassifier_FallsBackToKnowledgeWhenLLMDown(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Provider: downProvider(), Logger: discardLogger()})

	got, decision := c.Classify(context.Background(), "delete my last job", nil)

	assert.Equal(t, domain.IntentKnowledge, got)
	assert.Equal(t, DecisionFallback, decision)
}

func TestClassifier_FallbackUsesWeakSignal(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Provider: downProvider(), Logger: discardLogger()})

	got, decision := c.Classify(context.Background(), "vprt for my corn field", nil)

	assert.Equal(t, domain.IntentJobRequest, got)
	assert.Equal(t, DecisionFallback, decision)
}

func TestClassifier_AmbiguousGoesToLLM(t *testing.T) {
	llm := staticProvider(`{"intent": "job_request"}`)
	c := NewClassifier(ClassifierConfig{Provider: llm, HistoryWindow: 2, Logger: discardLogger()})
	recent := []domain.MessageRecord{
		{Role: domain.RoleUser, Content: "one"},
		{Role: domain.RoleAssistant, Content: "two"},
		{Role: domain.RoleUser, Content: "three"},
	}

	got, decision := c.Classify(context.Background(), "same again but at 37 GHz", recent)

	assert.Equal(t, domain.IntentJobRequest, got)
	assert.Equal(t, DecisionLLM, decision)
	reqs := llm.requests()
	require.Len(t, reqs, 1)
	msgs := reqs[0].Messages
	// system + the last two history messages + utterance
	require.Len(t, msgs, 4)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, "same again but at 37 GHz", msgs[3].Content)
	assert.NotNil(t, reqs[0].Format)
}

func TestClassifier_UnparseableLLMFallsBack(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Provider: staticProvider("I am not sure"), Logger: discardLogger()})

	got, decision := c.Classify(context.Background(), "hmm", nil)

	assert.Equal(t, domain.IntentKnowledge, got)
	assert.Equal(t, DecisionFallback, decision)
}

func TestParseIntent(t *testing.T) {
	tests := []struct {
		in   string
		want domain.Intent
	}{
		{`{"intent": "file_analysis"}`, domain.IntentFileAnalysis},
		{"```json\n{\"intent\": \"job_request\"}\n```", domain.IntentJobRequest},
		{"knowledge_question", domain.IntentKnowledge},
		{"The label is job_request.", domain.IntentJobRequest},
		{"Job", domain.IntentJobRequest},
	}
	for _, tt := range tests {
		got, err := parseIntent(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseIntent("banana")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}
