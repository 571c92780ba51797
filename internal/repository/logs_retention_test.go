package repository

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaykit/llmgate/internal/settingsvc"
)

type fakeDeleter struct {
	calls    int32
	cutoffs  []time.Time
	deleted  int64
	deleteFn func(cutoff time.Time) (int64, error)
}

func (f *fakeDeleter) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	atomic.AddInt32(&f.calls, 1)
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.deleteFn != nil {
		return f.deleteFn(cutoff)
	}
	return f.deleted, nil
}

type fakeSettingsReader struct {
	s settingsvc.Settings
}

func (f fakeSettingsReader) Get(ctx context.Context) (settingsvc.Settings, error) {
	return f.s, nil
}

func TestLogsRetentionSweeper_SkipsWhenRetentionDisabled(t *testing.T) {
	deleter := &fakeDeleter{}
	sweeper := NewLogsRetentionSweeper(deleter, fakeSettingsReader{settingsvc.Settings{LogRetentionDays: 0}}, time.Hour, nil)

	sweeper.sweepOnce(context.Background())
	require.Equal(t, int32(0), deleter.calls)
}

func TestLogsRetentionSweeper_DeletesOlderThanCutoff(t *testing.T) {
	deleter := &fakeDeleter{deleted: 7}
	sweeper := NewLogsRetentionSweeper(deleter, fakeSettingsReader{settingsvc.Settings{LogRetentionDays: 30}}, time.Hour, nil)

	sweeper.sweepOnce(context.Background())
	require.Equal(t, int32(1), deleter.calls)
	require.Len(t, deleter.cutoffs, 1)

	expected := time.Now().AddDate(0, 0, -30)
	require.WithinDuration(t, expected, deleter.cutoffs[0], 2*time.Second)
}

func TestLogsRetentionSweeper_RunStopsOnSignal(t *testing.T) {
	deleter := &fakeDeleter{}
	sweeper := NewLogsRetentionSweeper(deleter, fakeSettingsReader{settingsvc.Settings{LogRetentionDays: 1}}, 10*time.Millisecond, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		sweeper.Run(context.Background(), stop)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after stop signal")
	}
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&deleter.calls)), 1)
}
