//go:build !windows

package progress

import "os"

// enableVirtualTerminal: unix terminals interpret ANSI sequences already.
func enableVirtualTerminal(*os.File) {}
