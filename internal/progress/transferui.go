package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// TransferUI manages one progress bar per file using mpb
type TransferUI struct {
	progress   *mpb.Progress
	out        io.Writer
	isTerminal bool
	totalFiles int
	completed  int32
}

// TransferFileBar represents a single file's progress bar
type TransferFileBar struct {
	bar        *mpb.Bar
	ui         *TransferUI
	desc       string
	size       int64
	retries    int32
	startTime  time.Time
	lastUpdate atomic.Int64 // unix nanos
	current    atomic.Int64
}

// NewTransferUI creates a new UI for totalFiles files on stderr
func NewTransferUI(totalFiles int) *TransferUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	return newTransferUI(totalFiles, os.Stderr, isTerminal)
}

func newTransferUI(totalFiles int, out io.Writer, isTerminal bool) *TransferUI {
	var p *mpb.Progress
	if isTerminal {
		if f, ok := out.(*os.File); ok {
			enableVirtualTerminal(f)
		}
		p = mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(300*time.Millisecond), // ~3 times per second
			mpb.WithWidth(100),
		)
	}

	return &TransferUI{
		progress:   p,
		out:        out,
		isTerminal: isTerminal,
		totalFiles: totalFiles,
	}
}

// AddFileBar implements ProgressUI
func (u *TransferUI) AddFileBar(index int, op, localPath, remoteName string, size int64) FileBarHandle {
	fb := &TransferFileBar{
		ui:        u,
		desc:      describe(op, localPath, remoteName),
		size:      size,
		startTime: time.Now(),
	}
	fb.lastUpdate.Store(fb.startTime.UnixNano())

	if !u.isTerminal {
		verb := "Uploading"
		if op == "get" {
			verb = "Downloading"
		}
		fmt.Fprintf(u.out, "%s [%d/%d]: %s (%.1f MiB)\n", verb, index, u.totalFiles, fb.desc, float64(size)/(1024*1024))
		return fb
	}

	fb.bar = u.progress.New(size,
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(s decor.Statistics) string {
				base := fmt.Sprintf("[%d/%d] %s", index, u.totalFiles, fb.desc)
				if retries := atomic.LoadInt32(&fb.retries); retries > 0 {
					return fmt.Sprintf("%s (retry %d)", base, retries)
				}
				return base
			}, decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
			decor.Name("  "),
			decor.Name("ETA ", decor.WCSyncWidth),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
		mpb.BarRemoveOnComplete(),
	)
	return fb
}

// Update implements Updater. Values lower than the last one are ignored.
func (f *TransferFileBar) Update(current int64) {
	for {
		prev := f.current.Load()
		if current <= prev {
			return
		}
		if f.current.CompareAndSwap(prev, current) {
			if f.bar != nil {
				now := time.Now().UnixNano()
				f.bar.EwmaIncrInt64(current-prev, time.Duration(now-f.lastUpdate.Swap(now)))
			}
			return
		}
	}
}

// SetRetry rewinds the bar for a whole-file retry
func (f *TransferFileBar) SetRetry(count int) {
	atomic.StoreInt32(&f.retries, int32(count))
	f.current.Store(0)
	if f.bar != nil {
		f.bar.SetCurrent(0)
	}
}

// Complete implements FileBarHandle
func (f *TransferFileBar) Complete(err error, skipped bool) {
	elapsed := time.Since(f.startTime)

	var msg string
	switch {
	case err != nil:
		if f.bar != nil {
			f.bar.Abort(false) // keep the failed bar visible
		}
		msg = fmt.Sprintf("✗ %s: %v (after %d retries)\n", f.desc, err, atomic.LoadInt32(&f.retries))
	case skipped:
		if f.bar != nil {
			f.bar.Abort(true)
		}
		msg = fmt.Sprintf("- %s: already exists\n", f.desc)
	default:
		if f.bar != nil {
			f.bar.SetCurrent(f.size)
			f.bar.SetTotal(f.size, true)
		}
		speed := float64(f.size) / elapsed.Seconds() / (1024 * 1024)
		msg = fmt.Sprintf("✓ %s (%.1f MiB, %s, %.1f MiB/s)\n",
			f.desc, float64(f.size)/(1024*1024), elapsed.Round(time.Millisecond), speed)
	}

	_, _ = f.ui.Writer().Write([]byte(msg))
	atomic.AddInt32(&f.ui.completed, 1)
}

// Wait blocks until all progress bars complete
func (u *TransferUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Writer returns an io.Writer that prints above the bars in terminal mode
func (u *TransferUI) Writer() io.Writer {
	if u.progress != nil {
		return u.progress
	}
	return u.out
}

// Completed returns the number of finished files
func (u *TransferUI) Completed() int {
	return int(atomic.LoadInt32(&u.completed))
}

// IsTerminal returns whether output is to a terminal
func (u *TransferUI) IsTerminal() bool {
	return u.isTerminal
}

// New picks the display for a command: nothing when quiet, a single bar for
// one file and the multi-bar UI otherwise.
func New(totalFiles int, quiet bool) ProgressUI {
	switch {
	case quiet:
		return NoOpUI{}
	case totalFiles == 1:
		return NewSingleFileUI()
	default:
		return NewTransferUI(totalFiles)
	}
}

// truncatePath truncates a file path to show only the last N components
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}
