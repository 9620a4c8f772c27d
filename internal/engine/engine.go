// Package engine fetches, decrypts and assembles the segments of one
// protected audio representation.
package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mohaanymo/sealdash/internal/decryptor"
	"github.com/mohaanymo/sealdash/internal/models"
	"go.uber.org/zap"
)

// Options configure a run.
type Options struct {
	Concurrency int
	Retry       RetryPolicy
	// Timeout bounds a single request attempt, 0 = none.
	Timeout time.Duration
}

// DefaultOptions returns the defaults used by the command.
func DefaultOptions() Options {
	return Options{
		Concurrency: 6,
		Retry:       DefaultRetryPolicy(),
	}
}

// Engine is the fetch/decrypt/assemble orchestrator.
type Engine struct {
	opts       Options
	client     *http.Client
	log        *zap.SugaredLogger
	progressCh chan ProgressUpdate

	mu   sync.Mutex
	pool *WorkerPool
}

// New creates an Engine sharing the session client.
func New(client *http.Client, opts Options, log *zap.SugaredLogger) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.S()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Engine{
		opts:       opts,
		client:     client,
		log:        log,
		progressCh: make(chan ProgressUpdate, 256),
	}
}

// Progress returns the channel of segment progress updates.
func (e *Engine) Progress() <-chan ProgressUpdate {
	return e.progressCh
}

// Tasks returns the per-segment records of the current or last run.
func (e *Engine) Tasks() []models.SegmentTask {
	e.mu.Lock()
	pool := e.pool
	e.mu.Unlock()
	if pool == nil {
		return nil
	}
	return pool.Tasks()
}

// Run downloads and decrypts every segment of m with key and returns the
// assembled stream. The init segment, when present, is fetched with the
// same retry policy before the fan-out and prepended to the output.
func (e *Engine) Run(ctx context.Context, m *models.Manifest, key models.Key) (*models.AssembledStream, error) {
	dec, err := decryptor.New(key.Bytes())
	if err != nil {
		return nil, &models.KeyError{Ref: m.KeyRef, Err: err}
	}

	pool := NewWorkerPool(e.opts.Concurrency, e.client, e.progressCh)
	pool.SetRetryPolicy(e.opts.Retry)
	pool.SetTimeout(e.opts.Timeout)
	pool.SetDecryptor(dec, m.IV)
	pool.SetLogger(e.log)

	e.mu.Lock()
	e.pool = pool
	e.mu.Unlock()

	start := time.Now()
	e.log.Infow("extracting stream",
		"representation", m.Representation.ID,
		"segments", m.SegmentCount,
		"iv", m.IV.String(),
		"workers", e.opts.Concurrency,
	)

	var initData []byte
	if m.InitURL != "" {
		initData, err = e.fetchInit(ctx, pool, m, dec)
		if err != nil {
			return nil, err
		}
	}

	pool.Start(ctx)
	for i := 0; i < m.SegmentCount; i++ {
		u, err := m.SegmentURL(i)
		if err != nil {
			// The manifest was validated; an unresolvable index is a parser bug.
			pool.Wait()
			return nil, &models.ParseError{Reason: "unresolvable segment URL", Err: err}
		}
		if err := pool.Submit(&models.SegmentTask{Index: i, URL: u}); err != nil {
			break
		}
	}
	if err := pool.Wait(); err != nil {
		e.log.Warnw("extraction aborted", "error", err)
		return nil, err
	}

	stream, err := Assemble(pool.Results(), m.SegmentCount)
	if err != nil {
		return nil, err
	}
	stream.Init = initData

	_, bytes, _ := pool.Stats()
	e.log.Infow("stream assembled",
		"segments", stream.SegmentCount,
		"downloaded", bytes,
		"size", stream.Len(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return stream, nil
}

func (e *Engine) fetchInit(ctx context.Context, pool *WorkerPool, m *models.Manifest, dec *decryptor.AES128) ([]byte, error) {
	task := &models.SegmentTask{Index: -1, URL: m.InitURL}
	data, err := pool.Fetch(ctx, task)
	if err != nil {
		return nil, err
	}
	if !m.InitEncrypted {
		pool.setState(task, models.TaskDecrypted, nil)
		return data, nil
	}

	plain, err := dec.Decrypt(data, m.IV.ForInit())
	if err != nil {
		derr := &models.DecryptError{Index: -1, Err: err}
		pool.fail(task, derr)
		return nil, derr
	}
	pool.setState(task, models.TaskDecrypted, nil)
	return plain, nil
}
