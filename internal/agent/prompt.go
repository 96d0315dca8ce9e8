package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"rsagent/internal/domain"
	"rsagent/internal/knowledge"
)

const classifierSystemPrompt = `You route messages for a remote sensing assistant.
Reply with exactly one intent label:
- knowledge_question: the user asks about concepts, models, parameters or documentation.
- job_request: the user wants a simulation job submitted or run.
- file_analysis: the user wants an uploaded file or dataset analyzed.
Answer as JSON: {"intent": "<label>"}`

const answerSystemPrompt = `You are a remote sensing assistant. Answer the user's question using the
reference passages below. Cite passages by their number, e.g. [1]. If the passages do not
contain the answer, say so briefly and answer from general knowledge.`

const noKnowledgeNotice = "No matching passages were found in the knowledge base; this answer is based on general knowledge."

const llmDownNotice = "The language model is unavailable, so here are the most relevant passages from the knowledge base:"

func classifierMessages(utterance string, recent []domain.MessageRecord) []domain.Message {
	msgs := make([]domain.Message, 0, len(recent)+2)
	msgs = append(msgs, domain.Message{Role: "system", Content: classifierSystemPrompt})
	msgs = append(msgs, historyMessages(recent)...)
	msgs = append(msgs, domain.Message{Role: "user", Content: utterance})
	return msgs
}

func historyMessages(recent []domain.MessageRecord) []domain.Message {
	out := make([]domain.Message, 0, len(recent))
	for _, m := range recent {
		out = append(out, domain.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func answerMessages(question string, passages []domain.RetrievalResult, recent []domain.MessageRecord) []domain.Message {
	var sb strings.Builder
	sb.WriteString(answerSystemPrompt)
	if ctx := knowledge.BuildContext(passages); ctx != "" {
		sb.WriteString("\n\n")
		sb.WriteString(ctx)
	}

	msgs := make([]domain.Message, 0, len(recent)+2)
	msgs = append(msgs, domain.Message{Role: "system", Content: sb.String()})
	msgs = append(msgs, historyMessages(recent)...)
	msgs = append(msgs, domain.Message{Role: "user", Content: question})
	return msgs
}

// passageAnswer is the reply when no LLM can be reached.
func passageAnswer(passages []domain.RetrievalResult) string {
	var sb strings.Builder
	sb.WriteString(llmDownNotice)
	for i, p := range passages {
		if i == 3 {
			break
		}
		fmt.Fprintf(&sb, "\n\n[%d] %s\n%s", i+1, p.OriginURI, p.Text)
	}
	return sb.String()
}

func synthesisMessages(in SynthesisInput) []domain.Message {
	schemaJSON, _ := json.MarshalIndent(in.Schema.Fields, "", "  ")

	var sys strings.Builder
	fmt.Fprintf(&sys, "You fill in parameters for the %q simulation scenario", in.Schema.ID)
	if in.Schema.Description != "" {
		fmt.Fprintf(&sys, " (%s)", in.Schema.Description)
	}
	sys.WriteString(".\nReturn one JSON object whose keys are parameter names. Use only the parameters below,\n")
	sys.WriteString("respect types, allowed values and ranges, and use the default when the user gives no value.\n")
	sys.WriteString("Array parameters must be JSON arrays even when there is a single value.\n\n## Parameters\n")
	sys.Write(schemaJSON)

	msgs := []domain.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: in.Text},
	}
	if in.Prior != nil {
		prior, _ := json.Marshal(in.Prior)
		msgs = append(msgs,
			domain.Message{Role: "assistant", Content: string(prior)},
			domain.Message{Role: "user", Content: fmt.Sprintf(
				"That request was rejected: %s\nCorrect only the parameters the rejection names and return the full JSON object again.",
				in.RejectionReason)},
		)
	}
	return msgs
}
