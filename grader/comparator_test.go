package grader

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submissionWithOutputs(outputs ...string) *ParsedSubmission {
	sub := &ParsedSubmission{}
	for _, out := range outputs {
		sub.CodeCells = append(sub.CodeCells, CodeCell{
			Outputs: []CellOutput{{Text: out}},
		})
	}
	return sub
}

func defaultComparator() *Comparator {
	return NewComparator(ComparisonConfig{})
}

func TestComparator_IdenticalOutputsFullMatch(t *testing.T) {
	student := submissionWithOutputs("mean price: 12.5", "rows: 100")
	solution := submissionWithOutputs("mean price: 12.5", "rows: 100")

	res, err := defaultComparator().Compare(context.Background(), student, solution)
	require.NoError(t, err)
	require.NotNil(t, res.MatchRate)
	assert.InDelta(t, 1.0, *res.MatchRate, 1e-9)
	require.Len(t, res.Cells, 2)
	for i, cell := range res.Cells {
		assert.Equal(t, i, cell.CellIndex)
		assert.True(t, cell.Matched)
		assert.InDelta(t, 1.0, cell.Similarity, 1e-9)
	}
}

func TestComparator_WhitespaceDifferencesIgnored(t *testing.T) {
	student := submissionWithOutputs("mean   price:   12.5  \n\n")
	solution := submissionWithOutputs("mean price: 12.5")

	res, err := defaultComparator().Compare(context.Background(), student, solution)
	require.NoError(t, err)
	require.NotNil(t, res.MatchRate)
	assert.InDelta(t, 1.0, *res.MatchRate, 1e-9)
}

func TestComparator_NumericTolerance(t *testing.T) {
	// GIVEN values inside and outside the 5% relative tolerance
	res, err := defaultComparator().Compare(context.Background(),
		submissionWithOutputs("result 102.0"),
		submissionWithOutputs("result 100.0"))
	require.NoError(t, err)
	require.NotNil(t, res.MatchRate)
	assert.InDelta(t, 1.0, *res.MatchRate, 1e-9)

	res, err = defaultComparator().Compare(context.Background(),
		submissionWithOutputs("result 150.0"),
		submissionWithOutputs("result 100.0"))
	require.NoError(t, err)
	require.NotNil(t, res.MatchRate)
	assert.InDelta(t, 0.0, *res.MatchRate, 1e-9)
	assert.False(t, res.Cells[0].Matched)
}

func TestComparator_RowOrderIgnoredByDefault(t *testing.T) {
	student := submissionWithOutputs("banana 2\napple 1\ncherry 3")
	solution := submissionWithOutputs("apple 1\nbanana 2\ncherry 3")

	res, err := defaultComparator().Compare(context.Background(), student, solution)
	require.NoError(t, err)
	require.NotNil(t, res.MatchRate)
	assert.InDelta(t, 1.0, *res.MatchRate, 1e-9)
}

func TestComparator_OrderSensitiveMode(t *testing.T) {
	cmp := NewComparator(ComparisonConfig{OrderSensitive: true, MatchThreshold: 0.95})
	student := submissionWithOutputs("banana\napple\ncherry")
	solution := submissionWithOutputs("apple\nbanana\ncherry")

	res, err := cmp.Compare(context.Background(), student, solution)
	require.NoError(t, err)
	require.NotNil(t, res.MatchRate)
	assert.InDelta(t, 0.0, *res.MatchRate, 1e-9)
}

func TestComparator_MissingStudentCellCountsAsMismatch(t *testing.T) {
	student := submissionWithOutputs("first output")
	solution := submissionWithOutputs("first output", "second output")

	res, err := defaultComparator().Compare(context.Background(), student, solution)
	require.NoError(t, err)
	require.NotNil(t, res.MatchRate)
	assert.InDelta(t, 0.5, *res.MatchRate, 1e-9)
	require.Len(t, res.Cells, 2)
	assert.Empty(t, res.Cells[1].StudentOutput)
	assert.False(t, res.Cells[1].Matched)
}

func TestComparator_EmptySolutionYieldsNilRate(t *testing.T) {
	res, err := defaultComparator().Compare(context.Background(),
		submissionWithOutputs("anything"), &ParsedSubmission{})
	require.NoError(t, err)
	assert.Nil(t, res.MatchRate)
	assert.Empty(t, res.Cells)
}

func TestComparator_PayloadGuardYieldsNilRate(t *testing.T) {
	cmp := NewComparator(ComparisonConfig{MaxPayloadBytes: 10})
	student := submissionWithOutputs(strings.Repeat("x", 100))
	solution := submissionWithOutputs("expected")

	res, err := cmp.Compare(context.Background(), student, solution)
	require.NoError(t, err)
	assert.Nil(t, res.MatchRate)
}

func TestComparator_CancelledContextYieldsNilRate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := defaultComparator().Compare(ctx,
		submissionWithOutputs("a"), submissionWithOutputs("a"))
	require.NoError(t, err)
	assert.Nil(t, res.MatchRate)
}

func TestLCSRatio(t *testing.T) {
	assert.InDelta(t, 1.0, lcsRatio(nil, nil), 1e-9)
	assert.InDelta(t, 0.0, lcsRatio([]string{"a"}, nil), 1e-9)
	assert.InDelta(t, 1.0, lcsRatio([]string{"a", "b"}, []string{"a", "b"}), 1e-9)
	// LCS("a b c", "a c") = 2 -> 2*2/5
	assert.InDelta(t, 0.8, lcsRatio([]string{"a", "b", "c"}, []string{"a", "c"}), 1e-9)
}

func TestSplitTokens(t *testing.T) {
	nums, text := splitTokens([]string{"mean: 12.5 (n=3)", "total 7"})
	assert.Equal(t, []float64{12.5, 7}, nums)
	assert.Equal(t, []string{"mean:", "(n=3)"}, text)
}

func TestAdjustmentFor_PenaltyTable(t *testing.T) {
	tests := []struct {
		rate    float64
		penalty float64
		cap50   bool
	}{
		{1.0, 0, false},
		{0.90, 0, false},
		{0.89, -5, false},
		{0.75, -5, false},
		{0.74, -10, false},
		{0.60, -10, false},
		{0.59, -15, false},
		{0.40, -15, false},
		{0.39, 0, true},
		{0.0, 0, true},
	}
	for _, tc := range tests {
		penalty, cap50 := AdjustmentFor(tc.rate)
		assert.Equal(t, tc.penalty, penalty, "rate %g", tc.rate)
		assert.Equal(t, tc.cap50, cap50, "rate %g", tc.rate)
	}
}
