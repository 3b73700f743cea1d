package analyzer

import (
	"strings"
	"testing"

	"github.com/bigdegenenergy/spendroute/pkg/models"
)

// fakeSource returns a fixed cheapest provider per tier.
type fakeSource struct {
	byTier map[models.Tier]models.ProviderConfig
}

func (f *fakeSource) CheapestByTier(tier models.Tier) (models.ProviderConfig, bool) {
	cfg, ok := f.byTier[tier]
	return cfg, ok
}

func testSource() *fakeSource {
	return &fakeSource{byTier: map[models.Tier]models.ProviderConfig{
		models.TierFree:    {ID: "cheap-free", Tier: models.TierFree, AverageLatencyMs: 300},
		models.TierMid:     {ID: "mid-model", Tier: models.TierMid, AverageLatencyMs: 800},
		models.TierPremium: {ID: "qwen-max", Tier: models.TierPremium, AverageLatencyMs: 1500},
	}}
}

func TestAnalyze_SimpleQuestionStaysFree(t *testing.T) {
	a := New(testSource(), "qwen-max")
	score := a.Analyze("What is the capital of France?", Options{})

	if score.Score >= 30 {
		t.Errorf("expected score below 30 for a trivial lookup, got %d", score.Score)
	}
	if score.RecommendedTier != models.TierFree {
		t.Errorf("expected free tier, got %s", score.RecommendedTier)
	}
	if score.RecommendedProvider != "cheap-free" {
		t.Errorf("expected cheap-free provider, got %s", score.RecommendedProvider)
	}
}

func TestAnalyze_ComplexKeywordsEscalateToMid(t *testing.T) {
	a := New(testSource(), "qwen-max")
	score := a.Analyze("Design a scalable architecture for a distributed system", Options{})

	if score.Score <= 40 {
		t.Errorf("expected score above 40 for analytical work, got %d", score.Score)
	}
	if score.RecommendedTier != models.TierMid {
		t.Errorf("expected mid tier, got %s", score.RecommendedTier)
	}
	if !score.HasComplexSignal {
		t.Error("expected complex signal to be detected")
	}
}

func TestAnalyze_ShortPromptHighConfidence(t *testing.T) {
	a := New(testSource(), "qwen-max")
	score := a.Analyze("hello", Options{})

	if score.RecommendedTier != models.TierFree {
		t.Errorf("expected free tier for a short greeting, got %s", score.RecommendedTier)
	}
	if score.Confidence <= 0.7 {
		t.Errorf("expected confidence above 0.7 for a very short prompt, got %.2f", score.Confidence)
	}
}

func TestAnalyze_CJKRoutesToPremium(t *testing.T) {
	a := New(testSource(), "qwen-max")
	score := a.Analyze("请用中文解释量子计算", Options{})

	if score.RecommendedTier != models.TierPremium {
		t.Errorf("expected premium tier for CJK content, got %s", score.RecommendedTier)
	}
	if score.RecommendedProvider != "qwen-max" {
		t.Errorf("expected qwen-max for CJK content, got %s", score.RecommendedProvider)
	}
	if score.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95 for script detection, got %.2f", score.Confidence)
	}
}

func TestAnalyze_ChineseMentionRoutesToPremium(t *testing.T) {
	a := New(testSource(), "qwen-max")
	score := a.Analyze("Translate this to Chinese please", Options{})

	if score.RecommendedTier != models.TierPremium {
		t.Errorf("expected premium tier when chinese is requested, got %s", score.RecommendedTier)
	}
}

func TestAnalyze_ScoreNeverExceeds100(t *testing.T) {
	a := New(testSource(), "qwen-max")
	prompt := strings.Repeat("explain analyze design evaluate optimize implement refactor debug ", 50)
	score := a.Analyze(prompt, Options{})

	if score.Score > 100 {
		t.Errorf("expected score clamped to 100, got %d", score.Score)
	}
	if score.Score != 100 {
		t.Errorf("expected maximal score for keyword-stuffed prompt, got %d", score.Score)
	}
}

func TestAnalyze_HighScoreStillMapsToMid(t *testing.T) {
	a := New(testSource(), "qwen-max")
	prompt := strings.Repeat("explain analyze design evaluate optimize implement ", 40)
	score := a.Analyze(prompt, Options{})

	if score.RecommendedTier != models.TierMid {
		t.Errorf("premium must never be reached by score alone, got %s", score.RecommendedTier)
	}
}

func TestAnalyze_EmptyPrompt(t *testing.T) {
	a := New(testSource(), "qwen-max")
	score := a.Analyze("", Options{})

	if score.Score != 0 {
		t.Errorf("expected score 0 for empty input, got %d", score.Score)
	}
	if score.RecommendedTier != models.TierFree {
		t.Errorf("expected free tier for empty input, got %s", score.RecommendedTier)
	}
}

func TestAnalyze_HistoryInflatesTokenEstimate(t *testing.T) {
	a := New(testSource(), "qwen-max")
	bare := a.Analyze("summarize our discussion", Options{})
	loaded := a.Analyze("summarize our discussion", Options{
		SystemMessage: strings.Repeat("You are a helpful assistant. ", 10),
		ConversationHistory: []models.ChatMessage{
			{Role: "user", Content: strings.Repeat("context ", 200)},
			{Role: "assistant", Content: strings.Repeat("reply ", 200)},
		},
	})

	if loaded.TokenEstimate <= bare.TokenEstimate {
		t.Errorf("expected history to inflate token estimate: bare=%d loaded=%d",
			bare.TokenEstimate, loaded.TokenEstimate)
	}
	if loaded.Score <= bare.Score {
		t.Errorf("expected history to raise the score: bare=%d loaded=%d", bare.Score, loaded.Score)
	}
}

func TestAnalyze_NilProviderSource(t *testing.T) {
	a := New(nil, "")
	score := a.Analyze("What is DNS?", Options{})

	if score.RecommendedTier != models.TierFree {
		t.Errorf("expected free tier, got %s", score.RecommendedTier)
	}
	if score.RecommendedProvider != "" {
		t.Errorf("expected no provider recommendation without a source, got %s", score.RecommendedProvider)
	}
}
