// Package progress renders byte progress for CLI transfers: an mpb multi-bar
// display for file lists and a single progressbar for one file.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Reporter is a single progress bar.
type Reporter interface {
	Updater
	Start(total int64, description string)
	Finish()
	Error(err error)
	SetDescription(desc string)
}

// CLIProgress implements Reporter with a progressbar on stderr.
type CLIProgress struct {
	bar *progressbar.ProgressBar
	out io.Writer
}

// NewCLIProgress creates a new CLI progress reporter.
func NewCLIProgress() *CLIProgress {
	return &CLIProgress{out: os.Stderr}
}

// Start initializes the progress bar with total size and description.
func (p *CLIProgress) Start(total int64, description string) {
	out := p.out
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Update updates the progress bar to the current position.
func (p *CLIProgress) Update(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// Finish completes the progress bar.
func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error displays an error message.
func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "\nError: %v\n", err)
	}
}

// SetDescription updates the progress bar description.
func (p *CLIProgress) SetDescription(desc string) {
	if p.bar != nil {
		p.bar.Describe(desc)
	}
}

// SingleFileUI draws one progressbar per file, one file at a time.
type SingleFileUI struct {
	out        io.Writer
	isTerminal bool
}

// NewSingleFileUI returns a ProgressUI for a single transfer on stderr.
func NewSingleFileUI() *SingleFileUI {
	return &SingleFileUI{
		out:        os.Stderr,
		isTerminal: term.IsTerminal(int(os.Stderr.Fd())),
	}
}

// AddFileBar implements ProgressUI.
func (u *SingleFileUI) AddFileBar(_ int, op, localPath, remoteName string, size int64) FileBarHandle {
	h := &singleBar{ui: u, desc: describe(op, localPath, remoteName)}
	if u.isTerminal {
		h.reporter = &CLIProgress{out: u.out}
		h.reporter.Start(size, h.desc)
	}
	return h
}

// Wait implements ProgressUI.
func (u *SingleFileUI) Wait() {}

// Writer implements ProgressUI.
func (u *SingleFileUI) Writer() io.Writer {
	return u.out
}

// IsTerminal implements ProgressUI.
func (u *SingleFileUI) IsTerminal() bool {
	return u.isTerminal
}

type singleBar struct {
	ui       *SingleFileUI
	reporter *CLIProgress
	desc     string
}

func (b *singleBar) Update(current int64) {
	if b.reporter != nil {
		b.reporter.Update(current)
	}
}

func (b *singleBar) SetRetry(count int) {
	if b.reporter != nil {
		b.reporter.SetDescription(fmt.Sprintf("%s (retry %d)", b.desc, count))
		b.reporter.Update(0)
	}
}

func (b *singleBar) Complete(err error, skipped bool) {
	switch {
	case err != nil:
		if b.reporter != nil {
			b.reporter.Error(err)
			return
		}
		fmt.Fprintf(b.ui.out, "✗ %s: %v\n", b.desc, err)
	case skipped:
		fmt.Fprintf(b.ui.out, "- %s: already exists\n", b.desc)
	default:
		if b.reporter != nil {
			b.reporter.Finish()
			return
		}
		fmt.Fprintf(b.ui.out, "✓ %s\n", b.desc)
	}
}

func describe(op, localPath, remoteName string) string {
	if op == "get" {
		return fmt.Sprintf("%s ← %s", truncatePath(localPath, 2), remoteName)
	}
	return fmt.Sprintf("%s → %s", truncatePath(localPath, 2), remoteName)
}

// NoOpUI discards all progress (for --quiet and tests).
type NoOpUI struct{}

// AddFileBar implements ProgressUI.
func (NoOpUI) AddFileBar(int, string, string, string, int64) FileBarHandle { return noOpBar{} }

// Wait implements ProgressUI.
func (NoOpUI) Wait() {}

// Writer implements ProgressUI.
func (NoOpUI) Writer() io.Writer { return io.Discard }

// IsTerminal implements ProgressUI.
func (NoOpUI) IsTerminal() bool { return false }

type noOpBar struct{}

func (noOpBar) Update(int64)         {}
func (noOpBar) SetRetry(int)         {}
func (noOpBar) Complete(error, bool) {}

// ProgressReader wraps an io.Reader to report progress.
type ProgressReader struct {
	reader  io.Reader
	updater Updater
	current int64
}

// NewProgressReader creates a new progress-reporting reader.
func NewProgressReader(reader io.Reader, updater Updater) *ProgressReader {
	return &ProgressReader{reader: reader, updater: updater}
}

// Read implements io.Reader interface with progress reporting.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		pr.updater.Update(pr.current)
	}
	return n, err
}

// ProgressWriter wraps an io.Writer to report progress.
type ProgressWriter struct {
	writer  io.Writer
	updater Updater
	current atomic.Int64
}

// progressWriterAt keeps positioned writes available to multi-part downloads.
type progressWriterAt struct {
	*ProgressWriter
	at io.WriterAt
}

// NewProgressWriter wraps w. When w implements io.WriterAt, so does the result.
func NewProgressWriter(w io.Writer, updater Updater) io.Writer {
	pw := &ProgressWriter{writer: w, updater: updater}
	if at, ok := w.(io.WriterAt); ok {
		return &progressWriterAt{ProgressWriter: pw, at: at}
	}
	return pw
}

// Write implements io.Writer.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.add(n)
	return n, err
}

func (pw *ProgressWriter) add(n int) {
	if n > 0 {
		pw.updater.Update(pw.current.Add(int64(n)))
	}
}

// WriteAt implements io.WriterAt. Parts may complete in any order, so the
// reported value is the number of bytes written so far.
func (pw *progressWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := pw.at.WriteAt(p, off)
	pw.add(n)
	return n, err
}
