package models

import (
	"encoding/json"
	"time"
)

// Classification separates real-world reports from brand/product reports
type Classification string

const (
	ClassificationPhysical Classification = "physical"
	ClassificationDigital  Classification = "digital"
)

// Classifications lists every classification in display order
var Classifications = []Classification{ClassificationPhysical, ClassificationDigital}

// ParseClassification maps a raw value onto a known classification
func ParseClassification(s string) (Classification, bool) {
	switch Classification(s) {
	case ClassificationPhysical:
		return ClassificationPhysical, true
	case ClassificationDigital:
		return ClassificationDigital, true
	}
	return "", false
}

// Report represents a report as served by the reports API
type Report struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Image     []byte    `json:"image,omitempty"`
}

// ReportAnalysis represents one language-specific analysis of a report.
// Lite payloads only carry severity, classification, language and title.
type ReportAnalysis struct {
	Seq                   int       `json:"seq"`
	Source                string    `json:"source,omitempty"`
	AnalysisText          string    `json:"analysis_text,omitempty"`
	Title                 string    `json:"title"`
	Description           string    `json:"description,omitempty"`
	BrandName             string    `json:"brand_name,omitempty"`
	BrandDisplayName      string    `json:"brand_display_name,omitempty"`
	LitterProbability     float64   `json:"litter_probability,omitempty"`
	HazardProbability     float64   `json:"hazard_probability,omitempty"`
	DigitalBugProbability float64   `json:"digital_bug_probability,omitempty"`
	SeverityLevel         float64   `json:"severity_level"`
	Summary               string    `json:"summary,omitempty"`
	Language              string    `json:"language"`
	Classification        string    `json:"classification"`
	IsValid               bool      `json:"is_valid,omitempty"`
	CreatedAt             time.Time `json:"created_at,omitempty"`
	UpdatedAt             time.Time `json:"updated_at,omitempty"`
}

// ReportWithAnalysis represents a report with its analyses
type ReportWithAnalysis struct {
	Report   Report           `json:"report"`
	Analysis []ReportAnalysis `json:"analysis"`
}

// NormalizeAnalyses drops every analysis whose language was already seen,
// keeping the first one per language.
func (r *ReportWithAnalysis) NormalizeAnalyses() {
	if len(r.Analysis) < 2 {
		return
	}
	seen := make(map[string]struct{}, len(r.Analysis))
	kept := r.Analysis[:0]
	for _, a := range r.Analysis {
		if _, dup := seen[a.Language]; dup {
			continue
		}
		seen[a.Language] = struct{}{}
		kept = append(kept, a)
	}
	r.Analysis = kept
}

// AnalysisFor returns the analysis for lang, falling back to the first one
func (r ReportWithAnalysis) AnalysisFor(lang string) (ReportAnalysis, bool) {
	if len(r.Analysis) == 0 {
		return ReportAnalysis{}, false
	}
	for _, a := range r.Analysis {
		if a.Language == lang {
			return a, true
		}
	}
	return r.Analysis[0], true
}

// Classification returns the classification tagged on the first analysis
// that carries a known one, defaulting to physical
func (r ReportWithAnalysis) Classification() Classification {
	for _, a := range r.Analysis {
		if c, ok := ParseClassification(a.Classification); ok {
			return c
		}
	}
	return ClassificationPhysical
}

// ReportBatch is the payload of /reports/last and of websocket broadcasts
type ReportBatch struct {
	Reports []ReportWithAnalysis `json:"reports"`
	Count   int                  `json:"count"`
	FromSeq int                  `json:"from_seq"`
	ToSeq   int                  `json:"to_seq"`
}

// BroadcastMessage represents a message exchanged over websockets
type BroadcastMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ReportsCount is the payload of /reports-count
type ReportsCount struct {
	TotalReports         int `json:"total_reports"`
	TotalPhysicalReports int `json:"total_physical_reports"`
	TotalDigitalReports  int `json:"total_digital_reports"`
}

// InvalidateRequest selects cache entries by a single seq or a list of seqs
type InvalidateRequest struct {
	Seq  *int  `json:"seq,omitempty"`
	Seqs []int `json:"seqs,omitempty"`
}

// InvalidateResponse reports how many cache entries were removed
type InvalidateResponse struct {
	Success     bool `json:"success"`
	Invalidated int  `json:"invalidated"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status           string `json:"status"`
	Service          string `json:"service"`
	Timestamp        string `json:"timestamp"`
	ConnectedClients int    `json:"connected_clients"`
	CachedReports    int    `json:"cached_reports"`
}
