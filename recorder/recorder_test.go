package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"go.lepak.sg/bikeshare-backend/model"
	"go.lepak.sg/bikeshare-backend/prefs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	db, err := prefs.OpenDB(prefs.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r, err := New(context.Background(), db, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func TestSaveHistory(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	t0 := time.UnixMilli(1700000000000)
	t1 := t0.Add(30 * time.Second)

	require.NoError(t, r.Save(ctx, t0, "velib", model.Stations{
		{ID: "1", FreeBikes: 3, EmptySlots: 7},
		{ID: "2", FreeBikes: 0, EmptySlots: 10},
	}))
	require.NoError(t, r.Save(ctx, t1, "velib", model.Stations{
		{ID: "1", FreeBikes: 2, EmptySlots: 8},
	}))
	require.NoError(t, r.Save(ctx, t1, "bicing", model.Stations{
		{ID: "1", FreeBikes: 9, EmptySlots: 9},
	}))

	got, err := r.History(ctx, "velib", "1", time.Time{})
	require.NoError(t, err)
	want := []Sample{
		{Time: t0, FreeBikes: 3, EmptySlots: 7},
		{Time: t1, FreeBikes: 2, EmptySlots: 8},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("History() mismatch (-want +got):\n%s", diff)
	}

	got, err = r.History(ctx, "velib", "1", t1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = r.History(ctx, "velib", "missing", time.Time{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSave_Empty(t *testing.T) {
	r := newRecorder(t)
	require.NoError(t, r.Save(context.Background(), time.Now(), "velib", nil))
}

type fakeRefresher struct {
	lock  sync.Mutex
	calls int
	fail  bool
}

func (f *fakeRefresher) Refresh(ctx context.Context) <-chan model.RefreshResult {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls++

	out := make(chan model.RefreshResult, 1)
	if f.fail {
		out <- model.Failure(model.ReasonConnection, errors.New("refused"))
		return out
	}
	network := &model.BikeNetwork{ID: "velib"}
	all := model.Stations{{ID: "1", FreeBikes: f.calls}}
	out <- model.Success(network, all, model.Stations{})
	return out
}

func (f *fakeRefresher) Calls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls
}

func TestRun(t *testing.T) {
	r := newRecorder(t)
	src := &fakeRefresher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, src, 5*time.Millisecond, 0)
	}()

	require.Eventually(t, func() bool { return src.Calls() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := r.History(context.Background(), "velib", "1", time.Time{})
	require.NoError(t, err)
	// the poll in flight when cancelled may not have been saved
	assert.GreaterOrEqual(t, len(got), 2)
	assert.LessOrEqual(t, len(got), src.Calls())
	assert.Equal(t, 1, got[0].FreeBikes)
}

func TestRun_FailuresAreNotFatal(t *testing.T) {
	r := newRecorder(t)
	src := &fakeRefresher{fail: true}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, src, 5*time.Millisecond, 0)
	}()

	require.Eventually(t, func() bool { return src.Calls() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := r.History(context.Background(), "velib", "1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRun_CancelledWhileAligning(t *testing.T) {
	r := newRecorder(t)
	src := &fakeRefresher{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx, src, time.Second, time.Hour))
	assert.Zero(t, src.Calls())
}

func TestRun_InvalidInterval(t *testing.T) {
	r := newRecorder(t)
	assert.Error(t, r.Run(context.Background(), &fakeRefresher{}, 0, 0))
}
