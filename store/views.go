package store

import (
	"sort"
	"strings"

	"report-sync/models"
)

// Filter narrows a projection of the collections
type Filter struct {
	Brand       string
	Language    string
	MinSeverity float64
}

// View is the projection served for the active tab
type View struct {
	Active  models.Classification       `json:"active"`
	State   CollectionState             `json:"state"`
	Total   int                         `json:"total"`
	Count   int                         `json:"count"`
	Reports []models.ReportWithAnalysis `json:"reports"`
}

// NormalizeBrandName normalizes a brand name for comparison
func NormalizeBrandName(brandName string) string {
	normalized := strings.ToLower(brandName)
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")
	normalized = strings.ReplaceAll(normalized, ".", "")
	normalized = strings.ReplaceAll(normalized, ",", "")
	normalized = strings.ReplaceAll(normalized, "&", "")
	normalized = strings.ReplaceAll(normalized, "and", "")
	normalized = strings.Join(strings.Fields(normalized), "")
	return normalized
}

// Project returns the reports matching f without touching the input
func Project(reports []models.ReportWithAnalysis, f Filter) []models.ReportWithAnalysis {
	brand := NormalizeBrandName(f.Brand)
	out := make([]models.ReportWithAnalysis, 0, len(reports))
	for _, r := range reports {
		if brand == "" && f.MinSeverity <= 0 {
			out = append(out, r)
			continue
		}
		a, ok := r.AnalysisFor(f.Language)
		if !ok {
			continue
		}
		if f.MinSeverity > 0 && a.SeverityLevel < f.MinSeverity {
			continue
		}
		if brand != "" && NormalizeBrandName(a.BrandName) != brand && NormalizeBrandName(a.BrandDisplayName) != brand {
			continue
		}
		out = append(out, r)
	}
	return out
}

// View projects the collection of the active tab
func (s *Store) View(active models.Classification, f Filter) (View, error) {
	state, err := s.State(active)
	if err != nil {
		return View{}, err
	}
	reports := Project(state.Reports, f)
	return View{
		Active:  active,
		State:   state,
		Total:   state.Count,
		Count:   len(reports),
		Reports: reports,
	}, nil
}

// Combined projects both collections into one list ordered by descending seq
func (s *Store) Combined(f Filter) []models.ReportWithAnalysis {
	var all []models.ReportWithAnalysis
	for _, state := range s.States() {
		all = append(all, Project(state.Reports, f)...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Report.Seq > all[j].Report.Seq
	})
	return all
}
