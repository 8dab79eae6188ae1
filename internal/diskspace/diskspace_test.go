package diskspace

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAvailableSpace(t *testing.T) {
	target := filepath.Join(t.TempDir(), "download.bin")

	t.Run("small file", func(t *testing.T) {
		assert.NoError(t, CheckAvailableSpace(target, 1024, DefaultMargin))
	})

	t.Run("zero size", func(t *testing.T) {
		assert.NoError(t, CheckAvailableSpace(target, 0, DefaultMargin))
	})

	t.Run("very large file", func(t *testing.T) {
		available := GetAvailableSpace(target)
		if available == 0 {
			t.Skip("could not determine available space")
		}
		err := CheckAvailableSpace(target, available*2, 1.0)
		require.Error(t, err)
		assert.True(t, IsInsufficientSpaceError(err))

		var se *InsufficientSpaceError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, target, se.Path)
		assert.Equal(t, available*2, se.RequiredBytes)
	})

	t.Run("missing directory passes", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "nope", "deeper", "file")
		assert.NoError(t, CheckAvailableSpace(missing, 1<<60, DefaultMargin))
	})
}

func TestIsInsufficientSpaceError(t *testing.T) {
	err := &InsufficientSpaceError{Path: "/tmp/x", RequiredBytes: 1000, AvailableBytes: 500}
	assert.True(t, IsInsufficientSpaceError(err))
	assert.True(t, IsInsufficientSpaceError(fmt.Errorf("get x: %w", err)))
	assert.False(t, IsInsufficientSpaceError(fmt.Errorf("other")))
	assert.False(t, IsInsufficientSpaceError(nil))
	assert.Contains(t, err.Error(), "insufficient disk space")
}
