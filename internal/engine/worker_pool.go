package engine

import (
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohaanymo/sealdash/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WorkerPool fetches and decrypts segments on a bounded set of workers.
// The first terminal failure cancels the shared context, so in-flight
// requests abort and queued tasks are never started.
type WorkerPool struct {
	workers    int
	client     *http.Client
	progressCh chan<- ProgressUpdate
	policy     RetryPolicy
	timeout    time.Duration
	decryptor  Decryptor
	ivs        models.IVScheme
	log        *zap.SugaredLogger

	taskQueue chan *models.SegmentTask
	group     *errgroup.Group
	ctx       context.Context

	mu      sync.Mutex
	tasks   map[int]*models.SegmentTask
	results []models.DecryptedSegment

	// Stats
	completed  atomic.Int64
	totalBytes atomic.Int64
	failed     atomic.Int64
	startTime  time.Time
}

// NewWorkerPool creates a new worker pool. progressCh may be nil.
func NewWorkerPool(workers int, client *http.Client, progressCh chan<- ProgressUpdate) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers:    workers,
		client:     client,
		progressCh: progressCh,
		policy:     DefaultRetryPolicy(),
		log:        zap.S(),
		taskQueue:  make(chan *models.SegmentTask, workers*4),
		tasks:      make(map[int]*models.SegmentTask),
	}
}

// SetRetryPolicy replaces the default retry policy.
func (p *WorkerPool) SetRetryPolicy(policy RetryPolicy) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	p.policy = policy
}

// SetTimeout bounds every single request attempt. Zero means no bound.
func (p *WorkerPool) SetTimeout(d time.Duration) {
	p.timeout = d
}

// SetDecryptor binds the key and IV scheme applied to every segment.
func (p *WorkerPool) SetDecryptor(d Decryptor, ivs models.IVScheme) {
	p.decryptor = d
	p.ivs = ivs
}

// SetLogger replaces the global logger.
func (p *WorkerPool) SetLogger(log *zap.SugaredLogger) {
	if log != nil {
		p.log = log
	}
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start(ctx context.Context) {
	p.group, p.ctx = errgroup.WithContext(ctx)
	p.startTime = time.Now()

	for i := 0; i < p.workers; i++ {
		p.group.Go(p.worker)
	}
}

// worker is the main loop for each worker goroutine.
func (p *WorkerPool) worker() error {
	for {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case task, ok := <-p.taskQueue:
			if !ok {
				return nil
			}
			if err := p.process(task); err != nil {
				return err
			}
		}
	}
}

// process fetches and decrypts one segment.
func (p *WorkerPool) process(task *models.SegmentTask) error {
	data, err := p.Fetch(p.ctx, task)
	if err != nil {
		return err
	}

	p.setState(task, models.TaskDecrypting, nil)
	plain, err := p.decrypt(task.Index, data)
	if err != nil {
		p.fail(task, err)
		return err
	}

	p.mu.Lock()
	p.results = append(p.results, models.DecryptedSegment{Index: task.Index, Data: plain})
	p.mu.Unlock()

	p.completed.Add(1)
	p.setState(task, models.TaskDecrypted, nil)
	p.sendProgress(task, int64(len(data)), nil)
	return nil
}

func (p *WorkerPool) decrypt(index int, data []byte) ([]byte, error) {
	if p.decryptor == nil {
		return data, nil
	}
	plain, err := p.decryptor.Decrypt(data, p.ivs.For(index))
	if err != nil {
		return nil, &models.DecryptError{Index: index, Err: err}
	}
	return plain, nil
}

// Fetch downloads one segment with retries. Transient failures are retried
// with jittered exponential backoff up to the policy's attempt ceiling;
// anything else fails at once. It is also used for the init segment before
// the pool starts.
func (p *WorkerPool) Fetch(ctx context.Context, task *models.SegmentTask) ([]byte, error) {
	p.track(task)

	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := p.policy.Backoff(attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				p.fail(task, ctx.Err())
				return nil, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			p.fail(task, err)
			return nil, err
		}

		p.mu.Lock()
		task.State = models.TaskFetching
		task.Attempts = attempt
		p.mu.Unlock()

		data, err := p.doRequest(ctx, task.URL)
		if err == nil {
			p.totalBytes.Add(int64(len(data)))
			p.setState(task, models.TaskFetched, nil)
			return data, nil
		}

		lastErr = err
		p.setState(task, models.TaskFetching, err)

		if ctx.Err() != nil {
			p.fail(task, ctx.Err())
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			break
		}
		p.log.Debugw("segment attempt failed",
			"segment", task.Index,
			"attempt", attempt,
			"error", err,
		)
		p.sendProgress(task, 0, err)
	}

	fetchErr := &models.FetchError{Index: task.Index, URL: task.URL, Attempts: task.Attempts, Err: lastErr}
	p.fail(task, fetchErr)
	return nil, fetchErr
}

// doRequest performs a single HTTP request.
func (p *WorkerPool) doRequest(ctx context.Context, segmentURL string) ([]byte, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segmentURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if resp.ContentLength >= 0 && int64(len(data)) < resp.ContentLength {
		return nil, errors.Wrapf(ErrShortRead, "got %d of %d bytes", len(data), resp.ContentLength)
	}
	if len(data) == 0 {
		return nil, ErrEmptyBody
	}
	return data, nil
}

func (p *WorkerPool) track(task *models.SegmentTask) {
	p.mu.Lock()
	p.tasks[task.Index] = task
	p.mu.Unlock()
}

func (p *WorkerPool) setState(task *models.SegmentTask, state models.TaskState, err error) {
	p.mu.Lock()
	task.State = state
	if err != nil {
		task.LastErr = err
	}
	p.mu.Unlock()
}

func (p *WorkerPool) fail(task *models.SegmentTask, err error) {
	p.failed.Add(1)
	p.setState(task, models.TaskFailed, err)
	p.sendProgress(task, 0, err)
}

// sendProgress sends a progress update. Updates are dropped rather than
// stalling a worker when nobody drains the channel.
func (p *WorkerPool) sendProgress(task *models.SegmentTask, bytes int64, err error) {
	if p.progressCh == nil {
		return
	}
	p.mu.Lock()
	update := ProgressUpdate{
		Index:   task.Index,
		Bytes:   bytes,
		Attempt: task.Attempts,
		State:   task.State,
		Err:     err,
	}
	p.mu.Unlock()

	select {
	case p.progressCh <- update:
	default:
	}
}

// Submit adds a task to the queue. It fails once the run is cancelled.
func (p *WorkerPool) Submit(task *models.SegmentTask) error {
	p.track(task)
	select {
	case p.taskQueue <- task:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Wait blocks until every submitted task is done or the run is cancelled,
// and returns the first terminal error.
func (p *WorkerPool) Wait() error {
	close(p.taskQueue)
	return p.group.Wait()
}

// Results returns the decrypted segments in index order.
func (p *WorkerPool) Results() []models.DecryptedSegment {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.DecryptedSegment, len(p.results))
	copy(out, p.results)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Tasks returns a snapshot of the task table in index order.
func (p *WorkerPool) Tasks() []models.SegmentTask {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.SegmentTask, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Stats returns current download statistics.
func (p *WorkerPool) Stats() (completed int64, totalBytes int64, elapsed time.Duration) {
	return p.completed.Load(), p.totalBytes.Load(), time.Since(p.startTime)
}
