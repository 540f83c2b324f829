package ingestion

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/commrelay/commrelay/internal/models"
)

// KeywordMatcher finds blocked keywords in item text, ignoring case.
type KeywordMatcher struct {
	keywords []string
	original []string
}

// NewKeywordMatcher merges the given keyword lists. Blank and repeated entries are dropped.
func NewKeywordMatcher(lists ...[]string) *KeywordMatcher {
	m := &KeywordMatcher{}
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, kw := range list {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			folded := foldText(kw)
			if seen[folded] {
				continue
			}
			seen[folded] = true
			m.keywords = append(m.keywords, folded)
			m.original = append(m.original, kw)
		}
	}
	return m
}

// Len returns the number of distinct keywords.
func (m *KeywordMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keywords)
}

// Match returns the first keyword found in the item body or an attachment title.
func (m *KeywordMatcher) Match(item models.Item) (string, bool) {
	if m.Len() == 0 {
		return "", false
	}

	texts := make([]string, 0, len(item.Attachments)+1)
	texts = append(texts, item.Body)
	for _, a := range item.Attachments {
		if a.Title != "" {
			texts = append(texts, a.Title)
		}
	}

	for _, text := range texts {
		if text == "" {
			continue
		}
		folded := foldText(text)
		for i, kw := range m.keywords {
			if strings.Contains(folded, kw) {
				return m.original[i], true
			}
		}
	}
	return "", false
}

// Eligible reports whether any allowed content kind applies to item. Text counts only
// when the body is not blank; otherwise an attachment of an allowed kind is required.
func Eligible(item models.Item, allowed models.ContentKinds) bool {
	if allowed.Allows(models.KindText) && item.HasText() {
		return true
	}
	for _, a := range item.Attachments {
		if allowed.Allows(a.Kind) {
			return true
		}
	}
	return false
}

// foldText applies Unicode case folding to the NFC form of s.
func foldText(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}
