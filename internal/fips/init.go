// Package fips reports FIPS 140-3 mode and enforces it when the operator asks.
package fips

import (
	"crypto/fips140"
	"fmt"
	"os"
)

// RequireEnv makes Init fail when the binary is not running in FIPS mode.
const RequireEnv = "STAGEXFER_REQUIRE_FIPS"

// Enabled reports whether FIPS 140-3 mode is active after Init has been called.
// It is set once by Init and should be treated as read-only thereafter.
var Enabled bool

// Init records the FIPS 140-3 status. It returns an error when RequireEnv is
// "true" and the binary was not built with GOFIPS140 (or run with
// GODEBUG=fips140=on).
func Init() error {
	Enabled = fips140.Enabled()
	if Enabled || os.Getenv(RequireEnv) != "true" {
		return nil
	}
	return fmt.Errorf("FIPS 140-3 mode is required by %s but not active; rebuild with GOFIPS140=latest or run with GODEBUG=fips140=on", RequireEnv)
}

// Status returns a short tag for version strings.
func Status() string {
	if Enabled {
		return "[FIPS 140-3]"
	}
	return "[FIPS: disabled]"
}
