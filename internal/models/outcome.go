package models

// Outcome is the terminal result of one file upload or download.
type Outcome int

const (
	// Failed: a transport, key or stream error aborted the file
	Failed Outcome = iota
	// Success: every byte was transferred
	Success
	// SkippedAlreadyExists: the destination already existed and overwrite was off
	SkippedAlreadyExists
)

// String returns the outcome name used in logs and CLI summaries.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "SUCCESS"
	case SkippedAlreadyExists:
		return "SKIPPED"
	default:
		return "FAILED"
	}
}
