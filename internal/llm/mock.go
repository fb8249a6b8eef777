package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/berea-app/berea/internal/domain"
)

// MockProvider returns deterministic study content without network calls.
// Enabled with USE_MOCK=true; the only permitted backend when no provider
// key is configured.
type MockProvider struct{}

func (MockProvider) Name() string { return "mock" }

// Complete fabricates a valid study guide JSON payload.
func (MockProvider) Complete(ctx context.Context, prompt string, _ Params) (string, error) {
	content := domain.StudyContent{
		Summary:        fmt.Sprintf("Mock summary for request: %.60s", prompt),
		Interpretation: "Mock interpretation of the passage.",
		Context:        "Mock historical and literary context.",
		RelatedVerses:  []string{"John 3:16 - For God so loved the world"},
		ReflectionQuestions: []string{
			"What does this passage reveal about God's character?",
		},
		PrayerPoints: []string{"Give thanks for the gift of scripture."},
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal mock content: %w", err)
	}
	return string(raw), nil
}
