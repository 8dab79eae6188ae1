// Package transfer splits stage objects into parts and drives their parallel
// upload or download on a shared worker pool.
package transfer

import (
	"github.com/rescale/stagexfer/internal/models"
)

// Part is one contiguous byte range of an object's ciphertext.
// It is handled by exactly one job and its Outcome is written once by that job.
type Part struct {
	Index   int
	Offset  int64
	Length  int64
	Outcome models.Outcome
}

// PartCount returns ceil(total/partSize).
func PartCount(total, partSize int64) int {
	if total <= 0 {
		return 0
	}
	if partSize <= 0 {
		return 1
	}
	return int((total + partSize - 1) / partSize)
}

// SplitParts partitions total bytes into partSize ranges. The final part holds the
// remainder and is never empty; an exact multiple ends with a full-size part.
func SplitParts(total, partSize int64) []Part {
	n := PartCount(total, partSize)
	if n == 0 {
		return nil
	}
	if partSize <= 0 {
		partSize = total
	}
	parts := make([]Part, n)
	for i := range parts {
		offset := int64(i) * partSize
		length := partSize
		if offset+length > total {
			length = total - offset
		}
		parts[i] = Part{Index: i, Offset: offset, Length: length}
	}
	return parts
}

// AllSucceeded reports whether every part recorded Success.
func AllSucceeded(parts []Part) bool {
	for _, p := range parts {
		if p.Outcome != models.Success {
			return false
		}
	}
	return true
}
