package llm

import (
	"fmt"
	"time"

	"github.com/berea-app/berea/internal/domain"
)

var languageNames = map[domain.Language]string{
	domain.LangEnglish:   "English",
	domain.LangHindi:     "Hindi",
	domain.LangMalayalam: "Malayalam",
}

// BuildPrompt renders the generation prompt for one study guide. The
// instructions pin the output to plain standard JSON so the response can be
// parsed without any custom decoding.
func BuildPrompt(kind domain.InputKind, raw string, lang domain.Language) string {
	subject := "the Bible passage"
	if kind == domain.InputTopic {
		subject = "the biblical topic"
	}
	return fmt.Sprintf(`You are a Bible study assistant. Write a study guide for %s: %q.

Respond in %s with a single JSON object containing exactly these keys:
  "summary": string
  "interpretation": string
  "context": string (historical and literary background)
  "related_verses": array of strings (verse references with short excerpts)
  "reflection_questions": array of strings
  "prayer_points": array of strings

Rules:
- Output only the JSON object. No markdown fences, no commentary.
- Use standard JSON escaping exactly as defined by RFC 8259. Do not alter,
  double, or invent escape sequences.
- Every key must be present and non-empty.`,
		subject, raw, languageNames[lang])
}

// BuildDailyVersePrompt renders the prompt for the verse of the day. The date
// seeds the selection so repeated calls for one day converge.
func BuildDailyVersePrompt(date time.Time) string {
	return fmt.Sprintf(`You are a Bible study assistant. Select an encouraging Bible verse for %s.

Respond with a single JSON object containing exactly these keys:
  "reference": string (book chapter:verse)
  "translations": object with keys "en", "hi", "ml" mapping to the verse text
    in English, Hindi, and Malayalam

Rules:
- Output only the JSON object. No markdown fences, no commentary.
- Use standard JSON escaping exactly as defined by RFC 8259.
- Every key must be present and non-empty.`,
		date.Format("2006-01-02"))
}
