// Package storage holds the error taxonomy shared by every stage transfer component.
package storage

import (
	"errors"
	"strings"
)

var (
	// ErrKeyMaterial: randomness failure or a malformed master key. The file is not attempted.
	ErrKeyMaterial = errors.New("key material error")
	// ErrTransfer: a transport failure on a part or whole-file request
	ErrTransfer = errors.New("transfer failed")
	// ErrNotFound: the remote object does not exist
	ErrNotFound = errors.New("remote object not found")
	// ErrAborted: a part was abandoned because a sibling part failed
	ErrAborted = errors.New("transfer aborted")
	// ErrDecryptionFailed: the downloaded ciphertext could not be decrypted
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrSizeMismatch: the stream did not produce the announced number of bytes
	ErrSizeMismatch = errors.New("size mismatch")
)

// IsDiskFullError checks if an error is likely caused by running out of disk space
//
// Checks for common error strings across different operating systems:
//   - Linux/Unix: "no space left on device", "enospc"
//   - Windows: "out of disk space", "insufficient disk space"
//   - Quota: "disk quota exceeded"
func IsDiskFullError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	diskFullIndicators := []string{
		"no space left on device",
		"disk full",
		"out of disk space",
		"insufficient disk space",
		"not enough space",
		"enospc",
		"disk quota exceeded",
	}

	for _, indicator := range diskFullIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// IsRetryableFile reports whether a whole-file retry may help.
// Key material, missing objects and full disks fail the same way every time.
func IsRetryableFile(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKeyMaterial) || errors.Is(err, ErrNotFound) {
		return false
	}
	return !IsDiskFullError(err)
}
