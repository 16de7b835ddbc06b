package dbstream

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sitepull/internal/api"
)

// fakeAPI finishes the export after stepsToDone process calls.
type fakeAPI struct {
	initErr     error
	payload     string
	failAt      int
	stepsToDone int

	mu       sync.Mutex
	process  int
	finished int
	budgets  []time.Duration
}

func (f *fakeAPI) DBJobInit(context.Context) (api.DBJobInitResponse, error) {
	if f.initErr != nil {
		return api.DBJobInitResponse{}, f.initErr
	}
	return api.DBJobInitResponse{JobID: "job-1", TotalTables: 3, TotalRows: 30, BytesWritten: 40}, nil
}

func (f *fakeAPI) DBJobProcess(_ context.Context, jobID string, budget time.Duration) (api.DBJobProcessResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.process++
	f.budgets = append(f.budgets, budget)
	if jobID != "job-1" {
		return api.DBJobProcessResponse{}, errors.New("wrong job")
	}
	if f.failAt > 0 && f.process >= f.failAt {
		return api.DBJobProcessResponse{
			State: api.StateFailed, Done: true, Warnings: []string{"table wp_posts: lost connection"},
		}, nil
	}
	done := f.process >= f.stepsToDone
	state := api.StateRunning
	if done {
		state = api.StateCompleted
	}
	tables := make([]string, min(f.process, 3))
	return api.DBJobProcessResponse{
		State:           state,
		Done:            done,
		BytesWritten:    int64(40 + 100*f.process),
		RowsProcessed:   int64(10 * f.process),
		CompletedTables: tables,
	}, nil
}

func (f *fakeAPI) DownloadDatabase(_ context.Context, _ string, w io.Writer) (int64, error) {
	n, err := io.Copy(w, strings.NewReader(f.payload))
	return n, err
}

func (f *fakeAPI) DBJobFinish(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished++
	return nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.process
}

func TestAdvance_CompletesAndDownloads(t *testing.T) {
	t.Parallel()
	fake := &fakeAPI{stepsToDone: 3, payload: "CREATE TABLE t (id int);\n"}
	var (
		mu      sync.Mutex
		reports []Progress
	)
	s := New(fake, Options{PollEvery: time.Millisecond, Budget: 2 * time.Second, OnProgress: func(p Progress) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.Advance(ctx)
			time.Sleep(time.Millisecond)
		}
	}()
	require.NoError(t, s.Wait(ctx))
	close(stop)

	dest := filepath.Join(t.TempDir(), "db.sql")
	var streamed int64
	n, err := s.Download(ctx, dest, func(b int64) { streamed += b })
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx))

	assert.Equal(t, int64(len(fake.payload)), n)
	assert.Equal(t, n, streamed)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, fake.payload, string(data))

	// Finish waits for in-flight polls; a settled stream makes no more calls.
	assert.Equal(t, 3, fake.calls())
	assert.Equal(t, 1, fake.finished)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, fake.budgets)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 4) // start + three steps
	last := reports[len(reports)-1]
	assert.True(t, last.Done)
	assert.Equal(t, int64(30), last.RowsProcessed)
	assert.Equal(t, 3, last.CompletedTables)
	assert.True(t, s.Done())
}

func TestAdvance_SkipsWhilePollInFlight(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	fake := &blockingAPI{fakeAPI: fakeAPI{stepsToDone: 1}, release: release}
	s := New(fake, Options{PollEvery: time.Nanosecond})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	for range 20 {
		s.Advance(ctx)
	}
	close(release)
	require.NoError(t, s.Wait(ctx))
	require.NoError(t, s.Finish(ctx))

	assert.Equal(t, 1, fake.calls())
	s.Advance(ctx) // after Finish: no-op
	assert.Equal(t, 1, fake.calls())
}

// blockingAPI holds every process call until release is closed.
type blockingAPI struct {
	fakeAPI
	release chan struct{}
}

func (b *blockingAPI) DBJobProcess(ctx context.Context, jobID string, budget time.Duration) (api.DBJobProcessResponse, error) {
	<-b.release
	return b.fakeAPI.DBJobProcess(ctx, jobID, budget)
}

func TestWait_HonorsContext(t *testing.T) {
	t.Parallel()
	s := New(&fakeAPI{stepsToDone: 5}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestPoll_IsRateLimited(t *testing.T) {
	t.Parallel()
	fake := &fakeAPI{stepsToDone: 100}
	s := New(fake, Options{PollEvery: time.Hour})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	for range 50 {
		done, err := s.Poll(ctx)
		require.NoError(t, err)
		assert.False(t, done)
	}
	assert.Equal(t, 1, fake.calls(), "only the first poll may reach the server")
}

func TestPoll_DefaultSpacing(t *testing.T) {
	t.Parallel()
	fake := &fakeAPI{stepsToDone: 100}
	s := New(fake, Options{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	deadline := time.Now().Add(1200 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := s.Poll(ctx)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	// At most one call per 500ms: t=0, ~0.5s, ~1.0s.
	assert.LessOrEqual(t, fake.calls(), 3)
	assert.GreaterOrEqual(t, fake.calls(), 2)
}

func TestPoll_FailedExportIsTerminal(t *testing.T) {
	t.Parallel()
	fake := &fakeAPI{stepsToDone: 10, failAt: 2}
	s := New(fake, Options{PollEvery: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	err := s.Drive(ctx)
	require.ErrorIs(t, err, ErrExportFailed)
	require.ErrorIs(t, s.Wait(ctx), ErrExportFailed)
	assert.Contains(t, err.Error(), "lost connection")
	assert.False(t, s.Done())

	done, err := s.Poll(ctx)
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrExportFailed)
	assert.Equal(t, 2, fake.calls())

	_, err = s.WriteTo(ctx, io.Discard)
	assert.Error(t, err)
}

func TestPoll_BeforeStart(t *testing.T) {
	t.Parallel()
	s := New(&fakeAPI{}, Options{})
	_, err := s.Poll(context.Background())
	assert.Error(t, err)
	assert.NoError(t, s.Finish(context.Background()))
}

func TestStart_Error(t *testing.T) {
	t.Parallel()
	fake := &fakeAPI{initErr: errors.New("HTTP 500")}
	s := New(fake, Options{})
	require.Error(t, s.Start(context.Background()))
	assert.NoError(t, s.Finish(context.Background()))
	assert.Equal(t, 0, fake.finished)
}

func TestDownload_EmptyFileIsKept(t *testing.T) {
	t.Parallel()
	fake := &fakeAPI{stepsToDone: 1}
	s := New(fake, Options{PollEvery: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Drive(ctx))
	require.NoError(t, s.Wait(ctx))

	dest := filepath.Join(t.TempDir(), "db.sql")
	n, err := s.Download(ctx, dest, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.FileExists(t, dest)

	require.NoError(t, s.Finish(ctx))
	require.NoError(t, s.Finish(ctx))
	assert.Equal(t, 1, fake.finished)
}
