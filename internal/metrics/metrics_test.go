package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/stagexfer/internal/models"
)

func TestObserveFileAndParts(t *testing.T) {
	m := New("")

	m.ObserveFile("upload", "multipart", models.Success, 2048, time.Second)
	m.ObserveFile("upload", "single", models.SkippedAlreadyExists, 0, 0)
	m.ObservePart("upload", 10*time.Millisecond, nil)
	m.ObservePart("upload", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesTotal.WithLabelValues("upload", "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesTotal.WithLabelValues("upload", "SKIPPED")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.BytesTotal.WithLabelValues("upload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PartsTotal.WithLabelValues("upload", "error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveFile("download", "single", models.Failed, 0, 0)
	m.ObservePart("download", 0, nil)
	assert.Error(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestWriteTextfile(t *testing.T) {
	m := New("stagexfer")
	m.ObserveFile("download", "multipart", models.Success, 10, time.Millisecond)

	path := filepath.Join(t.TempDir(), "stagexfer.prom")
	require.NoError(t, m.WriteTextfile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), "stagexfer_files_total"))
}
