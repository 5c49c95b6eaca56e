package categorize

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Item carries the classification signals of one supplier product.
type Item struct {
	SupplierProductID uuid.UUID
	Name              string
	Brand             string
	CategoryRaw       string
}

// ProviderMatcher identifies suggestions produced by the built-in token
// matcher.
const ProviderMatcher = "matcher"

// Suggestion is the classifier verdict for one item. IsNew means no existing
// category matched well enough and CategoryName should become a proposal.
// Reasoning explains the verdict in reviewer-readable terms and Provider names
// the classifier that produced it.
type Suggestion struct {
	CategoryID   *uuid.UUID
	CategoryName string
	Confidence   float64
	IsNew        bool
	Reasoning    string
	Provider     string
}

// Classifier decides a category suggestion for an item given the curated
// category list.
type Classifier interface {
	Classify(ctx context.Context, item Item, categories []Category) (Suggestion, error)
}

// MatcherClassifier scores items against existing category names using the
// supplier's raw category text, falling back to name and brand tokens.
type MatcherClassifier struct{}

// NewMatcherClassifier constructs the default classifier.
func NewMatcherClassifier() *MatcherClassifier {
	return &MatcherClassifier{}
}

// Classify returns the best existing-category match, or a new-category
// suggestion derived from the raw category text when nothing matches.
func (c *MatcherClassifier) Classify(_ context.Context, item Item, categories []Category) (Suggestion, error) {
	signal := strings.TrimSpace(item.CategoryRaw)
	signalKind := "supplier category text"
	weight := 1.0
	if signal == "" {
		signal = strings.TrimSpace(item.Brand + " " + item.Name)
		signalKind = "brand and name tokens"
		weight = 0.5
	}
	if signal == "" {
		return Suggestion{Provider: ProviderMatcher}, nil
	}

	normSignal := NormalizeName(signal)
	var best Suggestion
	for _, cat := range categories {
		score := matchScore(normSignal, NormalizeName(cat.Name)) * weight
		if score > best.Confidence {
			id := cat.ID
			best = Suggestion{
				CategoryID:   &id,
				CategoryName: cat.Name,
				Confidence:   score,
				Reasoning:    fmt.Sprintf("%s %q matched category %q", signalKind, signal, cat.Name),
				Provider:     ProviderMatcher,
			}
		}
	}
	if best.CategoryID != nil {
		return best, nil
	}

	// Only the raw category text is trustworthy enough to seed a proposal.
	if strings.TrimSpace(item.CategoryRaw) == "" {
		return Suggestion{Provider: ProviderMatcher}, nil
	}
	return Suggestion{
		CategoryName: titleCase(item.CategoryRaw),
		Confidence:   0.5,
		IsNew:        true,
		Reasoning:    fmt.Sprintf("no existing category matched supplier category text %q", signal),
		Provider:     ProviderMatcher,
	}, nil
}

func matchScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	switch {
	case a == b:
		return 1.0
	case strings.Contains(a, b):
		return 0.8
	case strings.Contains(b, a):
		return 0.6
	}
	return tokenOverlap(a, b)
}

// tokenOverlap computes the Jaccard similarity of underscore-separated tokens,
// scaled into the fuzzy confidence band.
func tokenOverlap(a, b string) float64 {
	tokensA := strings.Split(a, "_")
	tokensB := strings.Split(b, "_")
	setA := map[string]bool{}
	for _, t := range tokensA {
		if t != "" {
			setA[t] = true
		}
	}
	if len(setA) == 0 {
		return 0
	}
	union := len(setA)
	shared := 0
	seenB := map[string]bool{}
	for _, t := range tokensB {
		if t == "" || seenB[t] {
			continue
		}
		seenB[t] = true
		if setA[t] {
			shared++
		} else {
			union++
		}
	}
	if shared == 0 {
		return 0
	}
	return 0.7 * float64(shared) / float64(union)
}

// NormalizeName lowercases and collapses a display name into an underscore
// token key used for proposal dedup and matching.
func NormalizeName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	prevUnderscore := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
