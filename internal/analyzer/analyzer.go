// Package analyzer implements the prompt complexity analysis engine.
//
// The analyzer estimates how "hard" a prompt is and recommends the cheapest
// backend tier capable of handling it. Simple lookups stay on the free tier
// while analytical or code-heavy work is pushed to the mid tier. The premium
// tier is never reached by heuristic score alone: it opens only for CJK
// content (which the cheap tiers handle poorly) or an explicit caller
// override.
package analyzer

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/bigdegenenergy/spendroute/pkg/models"
)

// Tunable scoring coefficients. Only the ordering matters for correctness:
// complex keywords raise the score, token volume raises it logarithmically,
// and script detection overrides the score entirely.
const (
	tokenLogWeight       = 6.0  // score points per doubling of token estimate
	complexKeywordWeight = 18   // score points per matched complex keyword
	charsPerToken        = 4    // rough heuristic for English text
	perTokenLatencyMs    = 0.5  // added latency per estimated token
	freeTierCeiling      = 30   // score below this maps to the free tier
	premiumScoreCeiling  = 80   // scores at or above still map to mid (see package doc)
	shortPromptTokens    = 10   // prompts under this are "very short"
	cjkConfidence        = 0.95 // script detection is a strong signal
)

// complexSignals mark analytical or generative work that cheap models
// handle poorly. Each match adds complexKeywordWeight to the score.
var complexSignals = []string{
	"explain", "analyze", "analyse", "design", "evaluate", "optimize",
	"implement", "refactor", "debug", "architect", "compare", "synthesize",
	"critique", "step by step", "prove", "reasoning",
}

// simpleSignals mark trivial lookups. They are recorded for observability
// but never reduce the score.
var simpleSignals = []string{
	"what is", "who is", "define", "list", "hello", "thanks",
}

// Options carries the optional request context that inflates token volume.
type Options struct {
	SystemMessage       string
	ConversationHistory []models.ChatMessage
}

// ProviderSource supplies the analyzer with the cheapest enabled provider
// for a tier so it can name a recommendation and estimate latency.
type ProviderSource interface {
	CheapestByTier(tier models.Tier) (models.ProviderConfig, bool)
}

// Analyzer scores prompts. It holds no mutable state and is safe for
// concurrent use.
type Analyzer struct {
	providers     ProviderSource
	cjkProviderID string
}

// New creates an Analyzer. cjkProviderID names the premium backend that
// handles CJK content; it is recommended whenever script detection fires.
func New(providers ProviderSource, cjkProviderID string) *Analyzer {
	return &Analyzer{providers: providers, cjkProviderID: cjkProviderID}
}

// Analyze scores a prompt and recommends a tier and provider. It never
// fails: empty input yields score 0 and the free tier.
func (a *Analyzer) Analyze(prompt string, opts Options) models.ComplexityScore {
	tokens := a.estimateTokens(prompt, opts)

	lower := strings.ToLower(prompt)
	var detected []string
	complexMatches := 0
	for _, kw := range complexSignals {
		if strings.Contains(lower, kw) {
			detected = append(detected, kw)
			complexMatches++
		}
	}
	for _, kw := range simpleSignals {
		if strings.Contains(lower, kw) {
			detected = append(detected, kw)
		}
	}

	score := 0
	if tokens > 0 {
		score = int(math.Round(tokenLogWeight * math.Log2(1+float64(tokens))))
	}
	score += complexMatches * complexKeywordWeight
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	// Script detection takes priority over the score-based tier mapping.
	if containsCJK(prompt) || strings.Contains(lower, "chinese") {
		cfg, _ := a.cheapest(models.TierPremium)
		provider := a.cjkProviderID
		if provider == "" {
			provider = cfg.ID
		}
		return models.ComplexityScore{
			Score:               score,
			TokenEstimate:       tokens,
			HasComplexSignal:    complexMatches > 0,
			DetectedSignals:     detected,
			RecommendedTier:     models.TierPremium,
			RecommendedProvider: provider,
			Confidence:          cjkConfidence,
			EstimatedLatencyMs:  a.estimateLatency(cfg, tokens),
			Reasoning:           fmt.Sprintf("cjk script detected; routing to premium provider %s", provider),
		}
	}

	tier := models.TierMid
	if score < freeTierCeiling {
		tier = models.TierFree
	}
	// Scores at or above premiumScoreCeiling still map to mid: premium is
	// reserved for script detection or an explicit caller override.

	cfg, ok := a.cheapest(tier)
	provider := ""
	if ok {
		provider = cfg.ID
	}

	return models.ComplexityScore{
		Score:               score,
		TokenEstimate:       tokens,
		HasComplexSignal:    complexMatches > 0,
		DetectedSignals:     detected,
		RecommendedTier:     tier,
		RecommendedProvider: provider,
		Confidence:          confidence(score),
		EstimatedLatencyMs:  a.estimateLatency(cfg, tokens),
		Reasoning:           reasoning(tier, provider, tokens, complexMatches, detected),
	}
}

// estimateTokens approximates token count using the ~4 chars/token heuristic.
// System message and conversation history inflate the estimate.
func (a *Analyzer) estimateTokens(prompt string, opts Options) int {
	chars := len(prompt) + len(opts.SystemMessage)
	for _, m := range opts.ConversationHistory {
		chars += len(m.Content)
	}
	return chars / charsPerToken
}

func (a *Analyzer) cheapest(tier models.Tier) (models.ProviderConfig, bool) {
	if a.providers == nil {
		return models.ProviderConfig{}, false
	}
	return a.providers.CheapestByTier(tier)
}

// estimateLatency is the provider's base latency plus a per-token factor.
func (a *Analyzer) estimateLatency(cfg models.ProviderConfig, tokens int) int64 {
	return cfg.AverageLatencyMs + int64(float64(tokens)*perTokenLatencyMs)
}

// confidence is higher when the score sits far from a tier boundary.
func confidence(score int) float64 {
	dist := abs(score - freeTierCeiling)
	if d := abs(score - premiumScoreCeiling); d < dist {
		dist = d
	}
	if dist > 25 {
		dist = 25
	}
	return 0.65 + float64(dist)*0.01
}

func reasoning(tier models.Tier, provider string, tokens, complexMatches int, detected []string) string {
	switch {
	case complexMatches > 0:
		return fmt.Sprintf("complex keywords %v; tier %s via provider %s", detected, tier, provider)
	case tokens >= shortPromptTokens*10:
		return fmt.Sprintf("high token volume (~%d tokens); tier %s via provider %s", tokens, tier, provider)
	case tokens < shortPromptTokens:
		return fmt.Sprintf("short prompt (~%d tokens); tier %s via provider %s", tokens, tier, provider)
	default:
		return fmt.Sprintf("moderate token volume (~%d tokens); tier %s via provider %s", tokens, tier, provider)
	}
}

// containsCJK reports whether s contains glyphs from the CJK unicode ranges
// (Han ideographs, Hiragana, Katakana, Hangul).
func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
