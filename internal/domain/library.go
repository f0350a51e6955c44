// Package domain defines the core entities of the Tagify catalog.
package domain

import "time"

// MaxScanFailureSamples bounds the failed-sample list kept on a scan state.
const MaxScanFailureSamples = 20

// Library is a scanned directory tree registered with the server.
type Library struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`

	// Scan is mutated only by the scan coordinator for this library.
	// It persists across scans; each scan overwrites it.
	Scan ScanState `json:"scan"`
}

// ScanFailure records one failed file during a scan, with the stage that
// failed (e.g. "stat", "upload-original", "upsert").
type ScanFailure struct {
	ImageID string `json:"image_id"`
	Stage   string `json:"stage"`
	Error   string `json:"error"`
}

// ScanState is the progress and outcome of a library scan, embedded in the
// library record and polled by callers.
type ScanState struct {
	Scanning      bool          `json:"scanning"`
	Total         int           `json:"scan_total"`
	Done          int           `json:"scan_done"`
	FailedCount   int           `json:"scan_failed_count"`
	FailedSamples []ScanFailure `json:"scan_failed_samples,omitempty"`
	Error         string        `json:"scan_error,omitempty"`
	LastScanned   *time.Time    `json:"last_scanned,omitempty"`
	IndexedCount  int           `json:"indexed_count"`
}

// AddFailure bumps the failure count and keeps a bounded sample of failures.
func (s *ScanState) AddFailure(f ScanFailure) {
	s.FailedCount++
	if len(s.FailedSamples) < MaxScanFailureSamples {
		s.FailedSamples = append(s.FailedSamples, f)
	}
}
