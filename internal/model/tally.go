package model

import "time"

// SessionState is a state of the scan session state machine.
type SessionState string

const (
	StateNoProduct     SessionState = "no_product"
	StateProductLoaded SessionState = "product_loaded"
	StateScanning      SessionState = "scanning"
	StateSubmitting    SessionState = "submitting"
)

// VarianceCategory classifies a signed variance for display.
type VarianceCategory string

const (
	VarianceExact VarianceCategory = "exact"
	VarianceOver  VarianceCategory = "over"
	VarianceUnder VarianceCategory = "under"
)

// CategoryOf classifies variance v.
func CategoryOf(v int64) VarianceCategory {
	switch {
	case v > 0:
		return VarianceOver
	case v < 0:
		return VarianceUnder
	default:
		return VarianceExact
	}
}

// TallyLine is the running count of one lot.
type TallyLine struct {
	LotName     string `json:"lot_name"`
	Scanned     int64  `json:"scanned"`
	Theoretical int64  `json:"theoretical"`
	Variance    int64  `json:"variance"`
	Notes       string `json:"notes,omitempty"`
}

// LastScan is the most recently scanned lot.
type LastScan struct {
	LotName string    `json:"lot_name"`
	At      time.Time `json:"at"`
}

// TallySnapshot is a read-only copy of the scan session.
type TallySnapshot struct {
	State            SessionState     `json:"state"`
	Product          *ProductInfo     `json:"product,omitempty"`
	Lines            []TallyLine      `json:"lines"`
	TotalScanned     int64            `json:"total_scanned"`
	TotalTheoretical int64            `json:"total_theoretical"`
	Variance         int64            `json:"variance"`
	VarianceCategory VarianceCategory `json:"variance_category"`
	LastScan         *LastScan        `json:"last_scan,omitempty"`
}

// Counts returns the lots with a non-zero count, keyed by lot name.
func (s TallySnapshot) Counts() map[string]int64 {
	counts := make(map[string]int64)
	for _, l := range s.Lines {
		if l.Scanned > 0 {
			counts[l.LotName] = l.Scanned
		}
	}
	return counts
}
