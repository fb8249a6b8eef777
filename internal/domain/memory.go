package domain

// PracticeMode is a memorization drill variant.
type PracticeMode string

const (
	ModeFlipCard     PracticeMode = "flip_card"
	ModeTypeItOut    PracticeMode = "type_it_out"
	ModeCloze        PracticeMode = "cloze"
	ModeFirstLetter  PracticeMode = "first_letter"
	ModeProgressive  PracticeMode = "progressive"
	ModeWordScramble PracticeMode = "word_scramble"
	ModeWordBank     PracticeMode = "word_bank"
	ModeAudio        PracticeMode = "audio"
)

// ParsePracticeMode maps a wire value to a PracticeMode.
func ParsePracticeMode(s string) (PracticeMode, bool) {
	switch PracticeMode(s) {
	case ModeFlipCard, ModeTypeItOut, ModeCloze, ModeFirstLetter,
		ModeProgressive, ModeWordScramble, ModeWordBank, ModeAudio:
		return PracticeMode(s), true
	}
	return "", false
}

// MasteryLevel is the aggregate memorization attainment for a verse.
type MasteryLevel string

const (
	MasteryBeginner     MasteryLevel = "beginner"
	MasteryIntermediate MasteryLevel = "intermediate"
	MasteryAdvanced     MasteryLevel = "advanced"
	MasteryExpert       MasteryLevel = "expert"
	MasteryMaster       MasteryLevel = "master"
)
