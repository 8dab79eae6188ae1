package progress

import "io"

// Updater receives the running byte count of one transfer.
type Updater interface {
	Update(current int64)
}

// ProgressUI tracks the files of one put or get command.
type ProgressUI interface {
	// AddFileBar starts tracking one file. op is "put" or "get".
	AddFileBar(index int, op, localPath, remoteName string, size int64) FileBarHandle

	// Wait blocks until all bars have been rendered to completion
	Wait()

	// Writer returns an io.Writer that safely prints above the bars
	Writer() io.Writer

	// IsTerminal reports whether bars are drawn
	IsTerminal() bool
}

// FileBarHandle is the progress handle of a single file.
type FileBarHandle interface {
	Updater

	// SetRetry marks the bar with the whole-file retry count and rewinds it
	SetRetry(count int)

	// Complete finishes the bar and prints a one-line summary.
	// A nil error with skipped set reports an existing destination.
	Complete(err error, skipped bool)
}
