package cache

import "fmt"

// ReportSeqKey is the key under which a single report lookup is cached.
// It is shared across locales.
func ReportSeqKey(seq int) string {
	return fmt.Sprintf("report-seq-%d", seq)
}

// ReportSeqKeys maps seqs to their cache keys
func ReportSeqKeys(seqs []int) []string {
	keys := make([]string, 0, len(seqs))
	for _, seq := range seqs {
		keys = append(keys, ReportSeqKey(seq))
	}
	return keys
}
