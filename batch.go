package sealdash

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohaanymo/sealdash/internal/capture"
	"github.com/mohaanymo/sealdash/internal/models"
	"github.com/pkg/errors"
)

// SkipThreshold is the size above which an existing output is taken as a
// finished earlier run and left alone.
const SkipThreshold = 10 * 1024

// JobState represents the current state of a batch job.
type JobState int

const (
	JobPending JobState = iota
	JobExtracting
	JobWriting
	JobCompleted
	JobSkipped
	JobFailed
	JobCanceled
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobExtracting:
		return "extracting"
	case JobWriting:
		return "writing"
	case JobCompleted:
		return "completed"
	case JobSkipped:
		return "skipped"
	case JobFailed:
		return "failed"
	case JobCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s JobState) finished() bool {
	return s >= JobCompleted
}

// Job is one session capture to extract.
type Job struct {
	ID          string
	HARPath     string
	Output      string
	Options     []Option
	State       JobState
	Err         error
	Result      *Result
	Written     int64
	Segments    int
	Done        int
	StartedAt   time.Time
	CompletedAt time.Time

	cancel context.CancelFunc
	mu     sync.RWMutex
}

// JobStatus is a point-in-time copy of a job.
type JobStatus struct {
	ID       string
	Output   string
	State    JobState
	Err      error
	Result   *Result
	Written  int64
	Segments int
	Done     int
	Elapsed  time.Duration
}

// Status returns a consistent copy of the job's progress.
func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()

	st := JobStatus{
		ID:       j.ID,
		Output:   j.Output,
		State:    j.State,
		Err:      j.Err,
		Result:   j.Result,
		Written:  j.Written,
		Segments: j.Segments,
		Done:     j.Done,
	}
	switch {
	case !j.CompletedAt.IsZero() && !j.StartedAt.IsZero():
		st.Elapsed = j.CompletedAt.Sub(j.StartedAt)
	case !j.StartedAt.IsZero():
		st.Elapsed = time.Since(j.StartedAt)
	}
	return st
}

// Batch extracts several captures with a bounded number running at once.
type Batch struct {
	maxConcurrent int
	overwrite     bool
	jobs          sync.Map // map[string]*Job
	order         []string
	orderMu       sync.RWMutex

	queue   chan *Job
	queueMu sync.Mutex // guards sends on and the close of queue
	active  atomic.Int32
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	// Callbacks
	onStateChange func(job *Job)
	onComplete    func(job *Job)
	onError       func(job *Job, err error)

	// Default options applied to all jobs
	defaultOptions []Option
}

// BatchOption configures the Batch.
type BatchOption func(*Batch)

// WithMaxConcurrentJobs sets how many captures are extracted at once.
func WithMaxConcurrentJobs(n int) BatchOption {
	return func(b *Batch) {
		if n < 1 {
			n = 1
		}
		if n > 8 {
			n = 8
		}
		b.maxConcurrent = n
	}
}

// WithOverwrite replaces outputs that already exist.
func WithOverwrite(overwrite bool) BatchOption {
	return func(b *Batch) {
		b.overwrite = overwrite
	}
}

// WithDefaultOptions sets extractor options applied to every job.
func WithDefaultOptions(opts ...Option) BatchOption {
	return func(b *Batch) {
		b.defaultOptions = opts
	}
}

// WithOnStateChange sets a callback for job state changes.
func WithOnStateChange(fn func(job *Job)) BatchOption {
	return func(b *Batch) {
		b.onStateChange = fn
	}
}

// WithOnComplete sets a callback for finished jobs.
func WithOnComplete(fn func(job *Job)) BatchOption {
	return func(b *Batch) {
		b.onComplete = fn
	}
}

// WithOnError sets a callback for failed jobs.
func WithOnError(fn func(job *Job, err error)) BatchOption {
	return func(b *Batch) {
		b.onError = fn
	}
}

// NewBatch creates a batch bound to ctx.
func NewBatch(ctx context.Context, opts ...BatchOption) *Batch {
	ctx, cancel := context.WithCancel(ctx)

	b := &Batch{
		maxConcurrent: 1,
		queue:         make(chan *Job, 256),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start begins processing the queue.
func (b *Batch) Start() {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if b.running.Swap(true) {
		return // Already running
	}
	for i := 0; i < b.maxConcurrent; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

// Wait closes the queue and blocks until every queued job finished.
func (b *Batch) Wait() {
	b.queueMu.Lock()
	if !b.running.Swap(false) {
		b.queueMu.Unlock()
		return
	}
	close(b.queue)
	b.queueMu.Unlock()
	b.wg.Wait()
}

// Stop cancels running jobs and waits for the workers.
func (b *Batch) Stop() {
	b.cancel()
	b.Wait()
}

func (b *Batch) worker() {
	defer b.wg.Done()

	for job := range b.queue {
		if b.ctx.Err() != nil {
			b.finish(job, JobCanceled, b.ctx.Err())
			continue
		}
		b.active.Add(1)
		b.process(job)
		b.active.Add(-1)
	}
}

// Add queues a capture for extraction into output.
func (b *Batch) Add(id, harPath, output string, opts ...Option) (*Job, error) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if !b.running.Load() {
		return nil, errors.New("batch not started, call Start() first")
	}
	if _, exists := b.jobs.Load(id); exists {
		return nil, errors.Errorf("job with ID %q already exists", id)
	}

	job := &Job{
		ID:      id,
		HARPath: harPath,
		Output:  output,
		Options: append(append([]Option(nil), b.defaultOptions...), opts...),
		State:   JobPending,
	}

	b.jobs.Store(id, job)
	select {
	case b.queue <- job:
	default:
		b.jobs.Delete(id)
		return nil, errors.New("queue is full")
	}

	b.orderMu.Lock()
	b.order = append(b.order, id)
	b.orderMu.Unlock()
	return job, nil
}

// Job returns a job by ID.
func (b *Batch) Job(id string) *Job {
	if j, ok := b.jobs.Load(id); ok {
		return j.(*Job)
	}
	return nil
}

// Jobs returns all jobs in the order they were added.
func (b *Batch) Jobs() []*Job {
	b.orderMu.RLock()
	defer b.orderMu.RUnlock()

	jobs := make([]*Job, 0, len(b.order))
	for _, id := range b.order {
		if j, ok := b.jobs.Load(id); ok {
			jobs = append(jobs, j.(*Job))
		}
	}
	return jobs
}

// Cancel cancels one job.
func (b *Batch) Cancel(id string) error {
	job := b.Job(id)
	if job == nil {
		return errors.Errorf("job %q not found", id)
	}

	job.mu.Lock()
	if job.State.finished() {
		job.mu.Unlock()
		return errors.New("job already finished")
	}
	if job.cancel != nil {
		job.cancel()
	}
	job.State = JobCanceled
	job.mu.Unlock()

	b.notifyStateChange(job)
	return nil
}

// BatchStats holds batch statistics.
type BatchStats struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Skipped   int
	Failed    int
	Canceled  int
}

// Stats returns current batch statistics.
func (b *Batch) Stats() BatchStats {
	stats := BatchStats{}
	b.jobs.Range(func(_, value any) bool {
		job := value.(*Job)
		job.mu.RLock()
		state := job.State
		job.mu.RUnlock()

		stats.Total++
		switch state {
		case JobPending:
			stats.Pending++
		case JobExtracting, JobWriting:
			stats.Active++
		case JobCompleted:
			stats.Completed++
		case JobSkipped:
			stats.Skipped++
		case JobFailed:
			stats.Failed++
		case JobCanceled:
			stats.Canceled++
		}
		return true
	})
	return stats
}

// process extracts one capture and writes its stream.
func (b *Batch) process(job *Job) {
	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	job.mu.Lock()
	if job.State == JobCanceled {
		job.mu.Unlock()
		return
	}
	job.cancel = cancel
	job.StartedAt = time.Now()
	job.mu.Unlock()

	if info, err := os.Stat(job.Output); err == nil && info.Size() > SkipThreshold && !b.overwrite {
		job.mu.Lock()
		job.Written = info.Size()
		job.mu.Unlock()
		b.finish(job, JobSkipped, nil)
		return
	}

	b.setState(job, JobExtracting)

	har, err := capture.OpenHAR(job.HARPath)
	if err != nil {
		b.finish(job, JobFailed, err)
		return
	}
	x, err := New(append([]Option{WithCookies(har.Cookies())}, job.Options...)...)
	if err != nil {
		b.finish(job, JobFailed, err)
		return
	}
	har.Replay(x)
	x.Close()

	// Monitor progress
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case p := <-x.Progress():
				if p.Index >= 0 && p.State == models.TaskDecrypted {
					job.mu.Lock()
					job.Done++
					job.mu.Unlock()
				}
			case <-stop:
				return
			}
		}
	}()

	res, err := x.Extract(ctx)
	if err != nil {
		if ctx.Err() != nil {
			b.finish(job, JobCanceled, ctx.Err())
			return
		}
		b.finish(job, JobFailed, err)
		return
	}

	job.mu.Lock()
	job.Result = res
	job.Segments = res.Stream.SegmentCount
	job.mu.Unlock()
	b.setState(job, JobWriting)

	n, err := SaveStream(job.Output, res.Stream)
	if err != nil {
		b.finish(job, JobFailed, err)
		return
	}
	job.mu.Lock()
	job.Written = n
	job.mu.Unlock()
	b.finish(job, JobCompleted, nil)
}

func (b *Batch) setState(job *Job, state JobState) {
	job.mu.Lock()
	job.State = state
	job.mu.Unlock()
	b.notifyStateChange(job)
}

func (b *Batch) finish(job *Job, state JobState, err error) {
	job.mu.Lock()
	job.State = state
	job.Err = err
	job.CompletedAt = time.Now()
	job.mu.Unlock()

	b.notifyStateChange(job)

	switch {
	case state == JobFailed && b.onError != nil:
		b.onError(job, err)
	case (state == JobCompleted || state == JobSkipped) && b.onComplete != nil:
		b.onComplete(job)
	}
}

func (b *Batch) notifyStateChange(job *Job) {
	if b.onStateChange != nil {
		b.onStateChange(job)
	}
}

// SaveStream writes a stream to path through a temporary file, so an
// interrupted write never leaves a plausible-looking output behind.
func SaveStream(path string, stream *Stream) (int64, error) {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Wrap(err, "create output")
	}
	n, err := stream.WriteTo(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "write output")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "rename output")
	}
	return n, nil
}
