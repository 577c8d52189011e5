package store

import "report-sync/models"

// MergeReports places incoming ahead of current and keeps only the first
// occurrence of every seq, so incoming copies replace current ones.
// Merging the same incoming batch twice yields the same result as once.
func MergeReports(current, incoming []models.ReportWithAnalysis) []models.ReportWithAnalysis {
	if len(incoming) == 0 {
		return current
	}

	seen := make(map[int]struct{}, len(incoming)+len(current))
	merged := make([]models.ReportWithAnalysis, 0, len(incoming)+len(current))
	for _, batch := range [][]models.ReportWithAnalysis{incoming, current} {
		for _, r := range batch {
			if _, dup := seen[r.Report.Seq]; dup {
				continue
			}
			seen[r.Report.Seq] = struct{}{}
			merged = append(merged, r)
		}
	}
	return merged
}
