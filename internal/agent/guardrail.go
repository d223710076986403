package agent

import (
	"context"
	"strings"

	"investi/internal/logging"
)

// Verdict is a classifier's judgment of one message.
type Verdict struct {
	Relevant  bool   `json:"relevant"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Classifier judges whether a user message belongs on an investment desk.
type Classifier interface {
	Classify(ctx context.Context, message string) (Verdict, error)
}

// GateConfig configures guardrail behavior.
type GateConfig struct {
	Enabled bool
	// FailClosed rejects messages when the classifier errors. Default is
	// fail-open with a warning: a broken classifier must not silence the
	// operator.
	FailClosed bool
}

// Gate screens user-originated input. Automated input (task fires, internal
// jobs) never passes through the classifier.
type Gate struct {
	classifier Classifier
	config     GateConfig
	logger     logging.Logger
}

// NewGate creates a gate. A nil classifier admits everything.
func NewGate(classifier Classifier, config GateConfig, logger logging.Logger) *Gate {
	return &Gate{classifier: classifier, config: config, logger: logging.OrNop(logger)}
}

// Allow reports whether a user message may enter the system, with the
// classifier's reasoning when it was consulted.
func (g *Gate) Allow(ctx context.Context, message string) (bool, string) {
	if !g.config.Enabled || g.classifier == nil {
		return true, ""
	}
	verdict, err := g.classifier.Classify(ctx, message)
	if err != nil {
		if g.config.FailClosed {
			g.logger.Warn("Guardrail classifier failed, rejecting message: %v", err)
			return false, "classifier unavailable"
		}
		g.logger.Warn("Guardrail classifier failed, admitting message: %v", err)
		return true, "classifier unavailable, admitted"
	}
	if !verdict.Relevant {
		g.logger.Info("Guardrail rejected message: %s", verdict.Reasoning)
	}
	return verdict.Relevant, verdict.Reasoning
}

// KeywordClassifier is a deterministic relevance heuristic: a message is
// relevant if it mentions a market term or a ticker-looking token. LLM-backed
// classifiers replace it in deployments that have one.
type KeywordClassifier struct {
	terms []string
}

// NewKeywordClassifier builds the default term list.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{terms: []string{
		"stock", "share", "ticker", "price", "buy", "sell", "hold", "position",
		"portfolio", "market", "earnings", "dividend", "option", "etf", "bond",
		"invest", "trade", "allocation", "cash", "pnl", "p&l", "thesis",
		"watchlist", "stop loss", "take profit", "valuation", "macro",
	}}
}

func (c *KeywordClassifier) Classify(_ context.Context, message string) (Verdict, error) {
	lower := strings.ToLower(message)
	for _, term := range c.terms {
		if strings.Contains(lower, term) {
			return Verdict{Relevant: true, Reasoning: "mentions " + term}, nil
		}
	}
	// All-caps short tokens read as tickers.
	for _, field := range strings.Fields(message) {
		token := strings.Trim(field, ".,!?$()")
		if len(token) >= 2 && len(token) <= 5 && token == strings.ToUpper(token) && isAlpha(token) {
			return Verdict{Relevant: true, Reasoning: "mentions ticker-like token " + token}, nil
		}
	}
	return Verdict{Relevant: false, Reasoning: "no investment context detected"}, nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
