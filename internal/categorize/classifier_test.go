package categorize

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testCategories(names ...string) []Category {
	out := make([]Category, len(names))
	for i, n := range names {
		out[i] = Category{ID: uuid.New(), Name: n}
	}
	return out
}

func TestClassifyExactMatch(t *testing.T) {
	c := NewMatcherClassifier()
	categories := testCategories("Power Tools", "Hand Tools")

	got, err := c.Classify(context.Background(), Item{CategoryRaw: "power tools"}, categories)
	require.NoError(t, err)
	require.NotNil(t, got.CategoryID)
	require.Equal(t, "Power Tools", got.CategoryName)
	require.InDelta(t, 1.0, got.Confidence, 0.001)
	require.False(t, got.IsNew)
}

func TestClassifyPartialMatch(t *testing.T) {
	c := NewMatcherClassifier()
	categories := testCategories("Power Tools")

	got, err := c.Classify(context.Background(), Item{CategoryRaw: "Cordless Power Tools"}, categories)
	require.NoError(t, err)
	require.NotNil(t, got.CategoryID)
	require.InDelta(t, 0.8, got.Confidence, 0.001)
}

func TestClassifyNameFallbackHalvesConfidence(t *testing.T) {
	c := NewMatcherClassifier()
	categories := testCategories("Abrasives")

	got, err := c.Classify(context.Background(), Item{Name: "abrasives"}, categories)
	require.NoError(t, err)
	require.NotNil(t, got.CategoryID)
	require.InDelta(t, 0.5, got.Confidence, 0.001)
}

func TestClassifyNewCategorySuggestion(t *testing.T) {
	c := NewMatcherClassifier()
	categories := testCategories("Power Tools")

	got, err := c.Classify(context.Background(), Item{CategoryRaw: "WELDING consumables"}, categories)
	require.NoError(t, err)
	require.Nil(t, got.CategoryID)
	require.True(t, got.IsNew)
	require.Equal(t, "Welding Consumables", got.CategoryName)
}

func TestClassifyNoSignal(t *testing.T) {
	c := NewMatcherClassifier()

	got, err := c.Classify(context.Background(), Item{}, testCategories("Power Tools"))
	require.NoError(t, err)
	require.Nil(t, got.CategoryID)
	require.False(t, got.IsNew)
	require.Zero(t, got.Confidence)
}

func TestClassifyNameOnlyNeverProposes(t *testing.T) {
	c := NewMatcherClassifier()

	// Without raw category text there is nothing trustworthy to propose.
	got, err := c.Classify(context.Background(), Item{Name: "Mystery Widget 3000"}, testCategories("Power Tools"))
	require.NoError(t, err)
	require.Nil(t, got.CategoryID)
	require.False(t, got.IsNew)
}

func TestNormalizeName(t *testing.T) {
	require.Equal(t, "power_tools", NormalizeName("  Power   Tools "))
	require.Equal(t, "abrasives_grinding", NormalizeName("Abrasives & Grinding"))
	require.Equal(t, "m8_bolts", NormalizeName("M8-Bolts"))
	require.Equal(t, "", NormalizeName("  --  "))
}

func TestTokenOverlap(t *testing.T) {
	require.InDelta(t, 0.7, tokenOverlap("hand_tools", "hand_tools"), 0.001)
	require.InDelta(t, 0.7/3, tokenOverlap("hand_tools", "garden_tools"), 0.001)
	require.Zero(t, tokenOverlap("abrasives", "fasteners"))
}
