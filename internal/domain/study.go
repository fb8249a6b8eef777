package domain

import "fmt"

// InputKind distinguishes scripture-reference inputs from free-form topics.
type InputKind string

const (
	InputScripture InputKind = "scripture"
	InputTopic     InputKind = "topic"
)

// ParseInputKind maps a wire value to an InputKind.
func ParseInputKind(s string) (InputKind, bool) {
	switch InputKind(s) {
	case InputScripture, InputTopic:
		return InputKind(s), true
	}
	return "", false
}

// Language is a supported generation language.
type Language string

const (
	LangEnglish   Language = "en"
	LangHindi     Language = "hi"
	LangMalayalam Language = "ml"
)

// ParseLanguage maps a wire value to a Language.
func ParseLanguage(s string) (Language, bool) {
	switch Language(s) {
	case LangEnglish, LangHindi, LangMalayalam:
		return Language(s), true
	}
	return "", false
}

// DefaultCost returns the built-in token cost of one generation in l.
// Config may override these per deployment.
func (l Language) DefaultCost() int {
	switch l {
	case LangEnglish:
		return 10
	case LangHindi, LangMalayalam:
		return 20
	}
	return 0
}

// StudyContent is the structured body of a generated study guide.
// All six fields are required to be non-empty.
type StudyContent struct {
	Summary             string   `json:"summary"`
	Interpretation      string   `json:"interpretation"`
	Context             string   `json:"context"`
	RelatedVerses       []string `json:"related_verses"`
	ReflectionQuestions []string `json:"reflection_questions"`
	PrayerPoints        []string `json:"prayer_points"`
}

// Validate enforces that every StudyContent field carries content.
func (c StudyContent) Validate() error {
	if c.Summary == "" {
		return fmt.Errorf("study content missing summary")
	}
	if c.Interpretation == "" {
		return fmt.Errorf("study content missing interpretation")
	}
	if c.Context == "" {
		return fmt.Errorf("study content missing context")
	}
	if len(c.RelatedVerses) == 0 {
		return fmt.Errorf("study content missing related_verses")
	}
	if len(c.ReflectionQuestions) == 0 {
		return fmt.Errorf("study content missing reflection_questions")
	}
	if len(c.PrayerPoints) == 0 {
		return fmt.Errorf("study content missing prayer_points")
	}
	return nil
}
