// Package metrics exposes Prometheus instrumentation for repository
// operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all repository metrics. A nil *Metrics is valid and records
// nothing, so instrumentation points never need guarding.
type Metrics struct {
	chunksWritten     *prometheus.CounterVec
	chunkBytes        *prometheus.CounterVec
	dedupHits         prometheus.Counter
	packDuration      *prometheus.HistogramVec
	chunkReads        prometheus.Counter
	chunkReadFailures *prometheus.CounterVec
	archiveCommits    prometheus.Counter
	indexCommits      prometheus.Counter
}

// New creates a metrics instance registered against the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a metrics instance registered against a custom
// registry. Tests use private registries to avoid registration conflicts.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		chunksWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asuran_chunks_written_total",
				Help: "Chunks written to the segment store",
			},
			[]string{"compression", "encryption"},
		),
		chunkBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asuran_chunk_bytes_total",
				Help: "Bytes processed by chunk writes, before and after packing",
			},
			[]string{"stage"}, // "plaintext" or "packed"
		),
		dedupHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "asuran_dedup_hits_total",
				Help: "Chunk writes elided because the chunk was already present",
			},
		),
		packDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asuran_pack_duration_seconds",
				Help:    "Duration of the pack transform",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"}, // "pack" or "unpack"
		),
		chunkReads: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "asuran_chunk_reads_total",
				Help: "Chunks read back from the repository",
			},
		),
		chunkReadFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asuran_chunk_read_failures_total",
				Help: "Chunk reads that failed",
			},
			[]string{"reason"}, // "not_found", "hmac", "backend"
		),
		archiveCommits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "asuran_archive_commits_total",
				Help: "Archives committed to the manifest",
			},
		),
		indexCommits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "asuran_index_commits_total",
				Help: "Index commit barriers issued",
			},
		),
	}
}

// ObserveChunkWritten records a chunk write with its selectors and sizes.
func (m *Metrics) ObserveChunkWritten(compression, encryption string, plaintextBytes, packedBytes int) {
	if m == nil {
		return
	}
	m.chunksWritten.WithLabelValues(compression, encryption).Inc()
	m.chunkBytes.WithLabelValues("plaintext").Add(float64(plaintextBytes))
	m.chunkBytes.WithLabelValues("packed").Add(float64(packedBytes))
}

// ObserveDedupHit records a write elided by deduplication.
func (m *Metrics) ObserveDedupHit() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

// ObservePack records the duration of a pack or unpack transform.
func (m *Metrics) ObservePack(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.packDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveChunkRead records a successful chunk read.
func (m *Metrics) ObserveChunkRead() {
	if m == nil {
		return
	}
	m.chunkReads.Inc()
}

// ObserveChunkReadFailure records a failed chunk read with its reason.
func (m *Metrics) ObserveChunkReadFailure(reason string) {
	if m == nil {
		return
	}
	m.chunkReadFailures.WithLabelValues(reason).Inc()
}

// ObserveArchiveCommit records a committed archive.
func (m *Metrics) ObserveArchiveCommit() {
	if m == nil {
		return
	}
	m.archiveCommits.Inc()
}

// ObserveIndexCommit records an index commit barrier.
func (m *Metrics) ObserveIndexCommit() {
	if m == nil {
		return
	}
	m.indexCommits.Inc()
}
