package supervise

import (
	"strings"

	"calroute/internal/domain"
)

// Classifier maps free-form message text to the capability tags needed to
// serve it. Implementations must be deterministic for a given input.
type Classifier interface {
	Classify(text string) []domain.Capability
}

// keywordGroups maps each capability tag to its trigger words. Groups are
// matched independently; the first hit within a group wins for that group.
var keywordGroups = []struct {
	tag      domain.Capability
	keywords []string
}{
	{domain.CapCalendar, []string{"check", "available", "free"}},
	{domain.CapScheduling, []string{"schedule", "add", "create", "book"}},
	{domain.CapModification, []string{"modify", "edit", "change", "update"}},
	{domain.CapDeletion, []string{"delete", "remove", "cancel"}},
}

// KeywordClassifier infers capabilities by scanning for fixed keyword groups.
// A text matching no group defaults to calendar, so every message routes
// somewhere.
type KeywordClassifier struct{}

// NewKeywordClassifier returns the stock keyword-based classifier.
func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

// Classify returns all capability tags whose keyword group matches text.
func (c *KeywordClassifier) Classify(text string) []domain.Capability {
	lower := strings.ToLower(text)

	var tags []domain.Capability
	for _, group := range keywordGroups {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				tags = append(tags, group.tag)
				break
			}
		}
	}
	if len(tags) == 0 {
		tags = append(tags, domain.CapCalendar)
	}
	return tags
}
