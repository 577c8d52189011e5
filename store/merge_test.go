package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"report-sync/models"
)

func rep(seq int, title string) models.ReportWithAnalysis {
	return models.ReportWithAnalysis{
		Report:   models.Report{Seq: seq},
		Analysis: []models.ReportAnalysis{{Seq: seq, Title: title, Language: "en"}},
	}
}

func seqs(reports []models.ReportWithAnalysis) []int {
	out := make([]int, 0, len(reports))
	for _, r := range reports {
		out = append(out, r.Report.Seq)
	}
	return out
}

func TestMergeReportsIncomingWins(t *testing.T) {
	current := []models.ReportWithAnalysis{rep(1, "one"), rep(2, "two")}
	incoming := []models.ReportWithAnalysis{rep(2, "two updated"), rep(3, "three")}

	merged := MergeReports(current, incoming)

	assert.Equal(t, []int{2, 3, 1}, seqs(merged))
	assert.Equal(t, "two updated", merged[0].Analysis[0].Title)
}

func TestMergeReportsIsIdempotent(t *testing.T) {
	current := []models.ReportWithAnalysis{rep(1, "a"), rep(4, "d"), rep(5, "e")}
	incoming := []models.ReportWithAnalysis{rep(5, "e2"), rep(6, "f")}

	once := MergeReports(current, incoming)
	twice := MergeReports(once, incoming)

	assert.Equal(t, once, twice)
}

func TestMergeReportsEmptyIncomingIsNoop(t *testing.T) {
	current := []models.ReportWithAnalysis{rep(1, "a"), rep(2, "b")}

	assert.Equal(t, current, MergeReports(current, nil))
	assert.Equal(t, current, MergeReports(current, []models.ReportWithAnalysis{}))
}

func TestMergeReportsDedupesWithinIncoming(t *testing.T) {
	incoming := []models.ReportWithAnalysis{rep(7, "first"), rep(7, "second"), rep(8, "x")}

	merged := MergeReports(nil, incoming)

	assert.Equal(t, []int{7, 8}, seqs(merged))
	assert.Equal(t, "first", merged[0].Analysis[0].Title)
}

func TestMergeReportsDoesNotMutateInputs(t *testing.T) {
	current := []models.ReportWithAnalysis{rep(1, "a"), rep(2, "b")}
	incoming := []models.ReportWithAnalysis{rep(2, "b2")}

	MergeReports(current, incoming)

	assert.Equal(t, []int{1, 2}, seqs(current))
	assert.Equal(t, "b", current[1].Analysis[0].Title)
}
