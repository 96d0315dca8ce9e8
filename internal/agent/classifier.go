package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"rsagent/internal/domain"
)

// Decision records which stage of the classifier produced the intent.
type Decision string

const (
	DecisionKeyword  Decision = "keyword"
	DecisionLLM      Decision = "llm"
	DecisionFallback Decision = "fallback"
)

// strongScore is the minimum pre-filter score that can decide without the LLM.
const strongScore = 2

type signal struct {
	re     *regexp.Regexp
	weight int
}

var intentSignals = map[domain.Intent][]signal{
	domain.IntentJobRequest: {
		{regexp.MustCompile(`\bsubmit\b.*\b(job|simulation|run)s?\b`), 2},
		{regexp.MustCompile(`\brun\b.*\b(simulation|model|scenario)s?\b`), 2},
		{regexp.MustCompile(`\bscenario\s+[\w-]+`), 2},
		{regexp.MustCompile(`\bsimulat(e|ion)\b`), 1},
		{regexp.MustCompile(`\b(dmrt|qms|bic|aiem|vprt)\b`), 1},
	},
	domain.IntentFileAnalysis: {
		{regexp.MustCompile(`\battached\s+(file|data|csv)\b`), 2},
		{regexp.MustCompile(`\bthis\s+(csv|file|spreadsheet|dataset)\b`), 2},
		{regexp.MustCompile(`\banaly[sz]e\s+(the|this|my)\s+(file|data|csv|upload)\b`), 2},
		{regexp.MustCompile(`\b(uploaded|attachment)\b`), 1},
	},
	domain.IntentKnowledge: {
		{regexp.MustCompile(`^(what|why|how|when|where|which|who|explain|describe|define)\b`), 1},
		{regexp.MustCompile(`\?\s*$`), 1},
	},
}

// intentOrder fixes tie-breaking so results do not depend on map order.
var intentOrder = []domain.Intent{domain.IntentJobRequest, domain.IntentFileAnalysis, domain.IntentKnowledge}

type ClassifierConfig struct {
	Provider      domain.Provider // nil disables the LLM stage
	Model         string
	HistoryWindow int
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Classifier assigns an intent to a user turn. A keyword pre-filter settles
// unambiguous utterances; the rest go to the LLM with recent history.
type Classifier struct {
	provider domain.Provider
	model    string
	window   int
	timeout  time.Duration
	logger   *slog.Logger
}

func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Classifier{
		provider: cfg.Provider,
		model:    cfg.Model,
		window:   cfg.HistoryWindow,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Classify never fails: when the LLM cannot decide, the pre-filter's best
// guess is used, and knowledge_question when nothing matched.
func (c *Classifier) Classify(ctx context.Context, utterance string, recent []domain.MessageRecord) (domain.Intent, Decision) {
	scores := scoreIntents(utterance)
	best, bestScore, runnerUp := rankScores(scores)
	if bestScore >= strongScore && bestScore > runnerUp {
		c.logger.Debug("intent decided by keywords", "intent", best, "score", bestScore)
		return best, DecisionKeyword
	}

	if c.provider != nil {
		intent, err := c.askLLM(ctx, utterance, recent)
		if err == nil {
			return intent, DecisionLLM
		}
		c.logger.Warn("llm classification failed, using keyword fallback", "err", err)
	}

	if bestScore > 0 && bestScore > runnerUp {
		return best, DecisionFallback
	}
	return domain.IntentKnowledge, DecisionFallback
}

func scoreIntents(utterance string) map[domain.Intent]int {
	lower := strings.ToLower(strings.TrimSpace(utterance))
	scores := make(map[domain.Intent]int, len(intentSignals))
	for intent, signals := range intentSignals {
		for _, s := range signals {
			if s.re.MatchString(lower) {
				scores[intent] += s.weight
			}
		}
	}
	return scores
}

func rankScores(scores map[domain.Intent]int) (best domain.Intent, bestScore, runnerUp int) {
	for _, intent := range intentOrder {
		s := scores[intent]
		switch {
		case s > bestScore:
			runnerUp = bestScore
			best, bestScore = intent, s
		case s > runnerUp:
			runnerUp = s
		}
	}
	return best, bestScore, runnerUp
}

func (c *Classifier) askLLM(ctx context.Context, utterance string, recent []domain.MessageRecord) (domain.Intent, error) {
	if len(recent) > c.window {
		recent = recent[len(recent)-c.window:]
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.provider.Chat(ctx, domain.ChatRequest{
		Messages:    classifierMessages(utterance, recent),
		Model:       c.model,
		MaxTokens:   32,
		Temperature: 0,
		Format:      intentFormat(),
	})
	if err != nil {
		return "", err
	}
	return parseIntent(resp.Content)
}

func intentFormat() map[string]any {
	labels := make([]any, 0, len(intentOrder))
	for _, i := range intentOrder {
		labels = append(labels, string(i))
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent": map[string]any{"type": "string", "enum": labels},
		},
		"required": []any{"intent"},
	}
}

var intentAliases = map[string]domain.Intent{
	"knowledge": domain.IntentKnowledge,
	"question":  domain.IntentKnowledge,
	"job":       domain.IntentJobRequest,
	"file":      domain.IntentFileAnalysis,
}

// parseIntent accepts {"intent": "..."} or a bare label anywhere in text.
func parseIntent(content string) (domain.Intent, error) {
	if obj, err := extractJSONObject(content); err == nil {
		if s, ok := obj["intent"].(string); ok {
			content = s
		}
	}
	lower := strings.ToLower(strings.TrimSpace(content))
	if i := domain.Intent(lower); i.Valid() {
		return i, nil
	}
	for _, i := range intentOrder {
		if strings.Contains(lower, string(i)) {
			return i, nil
		}
	}
	if i, ok := intentAliases[strings.Trim(lower, " .\"'")]; ok {
		return i, nil
	}
	return "", fmt.Errorf("unrecognized intent %q: %w", content, domain.ErrInvalidInput)
}
