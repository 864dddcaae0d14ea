package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.ObserveChunkWritten("zstd", "aes256ctr", 1000, 400)
	m.ObserveChunkWritten("zstd", "aes256ctr", 500, 200)
	m.ObserveDedupHit()
	m.ObserveChunkRead()
	m.ObserveChunkReadFailure("hmac")
	m.ObserveArchiveCommit()
	m.ObserveIndexCommit()
	m.ObservePack("pack", 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.chunksWritten.WithLabelValues("zstd", "aes256ctr")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.chunkBytes.WithLabelValues("plaintext")))
	assert.Equal(t, 600.0, testutil.ToFloat64(m.chunkBytes.WithLabelValues("packed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dedupHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chunkReads))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chunkReadFailures.WithLabelValues("hmac")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.archiveCommits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.indexCommits))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveChunkWritten("none", "none", 1, 1)
		m.ObserveDedupHit()
		m.ObservePack("unpack", time.Millisecond)
		m.ObserveChunkRead()
		m.ObserveChunkReadFailure("not_found")
		m.ObserveArchiveCommit()
		m.ObserveIndexCommit()
	})
}
