// Package services provides the file-level PUT and GET operations used by the CLI.
// This layer sits between the command line and the storage clients: it owns the
// encryption envelope lifecycle, local file handling and whole-file retries.
package services

import (
	"errors"

	"github.com/rescale/stagexfer/internal/models"
)

// ErrNoFiles is returned when a command is given no file arguments.
var ErrNoFiles = errors.New("no files given")

// TransferType identifies whether a transfer is an upload or download.
type TransferType string

const (
	TransferTypeUpload   TransferType = "put"
	TransferTypeDownload TransferType = "get"
)

// FileResult is the terminal state of one file of a PUT or GET command.
type FileResult struct {
	Type TransferType

	// Source is the local path for PUT or the remote name for GET
	Source string
	// Dest is the remote name for PUT or the local path for GET
	Dest string

	// Size is the plaintext size for PUT and the stored object size for GET
	Size int64

	// Attempts counts whole-file attempts, 1 when the first try succeeded
	Attempts int

	Outcome models.Outcome
	Err     error
}

// Summary counts results by outcome.
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int
	Bytes     int64
}

// Summarize tallies results.
func Summarize(results []FileResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Outcome {
		case models.Success:
			s.Succeeded++
			s.Bytes += r.Size
		case models.SkippedAlreadyExists:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	return s
}
