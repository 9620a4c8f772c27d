package sealdash

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestBatch(t *testing.T) {
	p := newProvider(t, 3)
	dir := t.TempDir()

	good := writeHAR(t, p, dir, "week1.har")
	again := writeHAR(t, p, dir, "week2.har")
	broken := filepath.Join(dir, "week3.har")
	if err := os.WriteFile(broken, []byte("<html>not a capture</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	// week2 was extracted by an earlier run.
	existing := bytes.Repeat([]byte{0x42}, SkipThreshold+1)
	if err := os.WriteFile(filepath.Join(dir, "week2.mp4"), existing, 0o644); err != nil {
		t.Fatal(err)
	}

	var (
		mu        sync.Mutex
		completed []string
		failed    []string
	)
	b := NewBatch(context.Background(),
		WithMaxConcurrentJobs(2),
		WithDefaultOptions(
			WithLogger(zaptest.NewLogger(t).Sugar()),
			WithRetryDelays(time.Millisecond, time.Millisecond),
		),
		WithOnComplete(func(job *Job) {
			mu.Lock()
			completed = append(completed, job.ID)
			mu.Unlock()
		}),
		WithOnError(func(job *Job, err error) {
			mu.Lock()
			failed = append(failed, job.ID)
			mu.Unlock()
		}),
	)
	b.Start()
	for id, har := range map[string]string{"week1": good, "week2": again, "week3": broken} {
		if _, err := b.Add(id, har, filepath.Join(dir, id+".mp4")); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}
	if _, err := b.Add("week1", good, "dup.mp4"); err == nil {
		t.Error("duplicate job ID accepted")
	}
	b.Wait()

	stats := b.Stats()
	if stats.Total != 3 || stats.Completed != 1 || stats.Skipped != 1 || stats.Failed != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if len(completed) != 2 || len(failed) != 1 || failed[0] != "week3" {
		t.Errorf("callbacks: completed %v, failed %v", completed, failed)
	}

	out, err := os.ReadFile(filepath.Join(dir, "week1.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, p.wantOutput()) {
		t.Error("week1.mp4 is not the decrypted stream")
	}
	if st := b.Job("week1").Status(); st.Segments != 3 || st.Written != int64(len(out)) {
		t.Errorf("week1 status = %+v", st)
	}

	kept, _ := os.ReadFile(filepath.Join(dir, "week2.mp4"))
	if !bytes.Equal(kept, existing) {
		t.Error("existing output was overwritten")
	}
	if _, err := os.Stat(filepath.Join(dir, "week1.mp4.part")); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestBatchCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBatch(ctx)
	b.Start()
	job, err := b.Add("1", "missing.har", filepath.Join(t.TempDir(), "out.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	b.Wait()

	if st := job.Status(); st.State != JobCanceled {
		t.Errorf("State = %v, want canceled", st.State)
	}
}

func TestBatchAddBeforeStart(t *testing.T) {
	b := NewBatch(context.Background())
	if _, err := b.Add("1", "a.har", "a.mp4"); err == nil {
		t.Error("Add() before Start() should fail")
	}
}

func TestBatchAddDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	b := NewBatch(ctx, WithMaxConcurrentJobs(4))
	b.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id := strconv.Itoa(i*100 + j)
				// Either queued or rejected once Wait closed the queue.
				b.Add(id, "missing.har", filepath.Join(dir, id+".mp4"))
			}
		}(i)
	}
	b.Wait()
	wg.Wait()

	for _, job := range b.Jobs() {
		if st := job.Status(); st.State != JobCanceled {
			t.Errorf("job %s state = %v, want canceled", st.ID, st.State)
		}
	}
	if _, err := b.Add("late", "missing.har", filepath.Join(dir, "late.mp4")); err == nil {
		t.Error("Add() after Wait() should fail")
	}
}
