package chunk

import (
	"context"
	"runtime"
	"sync"

	"github.com/asuran-backup/asuran/internal/crypto"
)

// Pipeline runs the CPU-bound pack transform on a bounded pool of workers,
// keeping crypto work off the I/O paths. It is an optimization only: callers
// observe the same results as calling Pack directly.
//
// The pool starts lazily on first use and is shared for the lifetime of the
// repository handle that owns it.
type Pipeline struct {
	workers int
	jobs    chan packJob
	once    sync.Once
	wg      sync.WaitGroup
}

type packJob struct {
	data     []byte
	settings Settings
	key      *crypto.Key
	id       *ID
	reply    chan packResult
}

type packResult struct {
	chunk *Chunk
	err   error
}

// NewPipeline creates a pipeline with one worker per CPU.
func NewPipeline() *Pipeline {
	return NewPipelineWithWorkers(runtime.GOMAXPROCS(0))
}

// NewPipelineWithWorkers creates a pipeline with an explicit worker count.
func NewPipelineWithWorkers(workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{workers: workers}
}

func (p *Pipeline) start() {
	p.jobs = make(chan packJob, p.workers*2)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				var res packResult
				if job.id != nil {
					res.chunk, res.err = PackWithID(job.data, *job.id, job.settings.Compression, job.settings.Encryption, job.settings.HMAC, job.key)
				} else {
					res.chunk, res.err = Pack(job.data, job.settings.Compression, job.settings.Encryption, job.settings.HMAC, job.key)
				}
				job.reply <- res
			}
		}()
	}
}

// Process packs data with the given settings on a pool worker and returns
// the packed chunk. It suspends until a worker is free; cancellation of ctx
// abandons the wait.
func (p *Pipeline) Process(ctx context.Context, data []byte, settings Settings, key *crypto.Key) (*Chunk, error) {
	return p.submit(ctx, data, settings, key, nil)
}

// ProcessWithID is Process with a caller-chosen identifier. See PackWithID
// for the warning that comes with that.
func (p *Pipeline) ProcessWithID(ctx context.Context, data []byte, id ID, settings Settings, key *crypto.Key) (*Chunk, error) {
	return p.submit(ctx, data, settings, key, &id)
}

func (p *Pipeline) submit(ctx context.Context, data []byte, settings Settings, key *crypto.Key, id *ID) (*Chunk, error) {
	p.once.Do(p.start)
	job := packJob{
		data:     data,
		settings: settings,
		key:      key,
		id:       id,
		reply:    make(chan packResult, 1),
	}
	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-job.reply:
		return res.chunk, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the workers. In-flight jobs complete; further Process calls
// panic.
func (p *Pipeline) Close() {
	p.once.Do(p.start)
	close(p.jobs)
	p.wg.Wait()
}
