package router

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/logging"
	"github.com/anstrom/serverseeker/internal/router/mocks"
	"github.com/anstrom/serverseeker/internal/scanning"
	"github.com/anstrom/serverseeker/internal/status"
)

var testTarget = scanning.NewScanTarget(netip.MustParseAddr("198.51.100.20"), 25565)

func testConfig() Config {
	return Config{
		QueueSize:         8,
		Workers:           2,
		MaxRetries:        2,
		RetryDelay:        time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newTestRouter(t *testing.T, cfg Config, sink Sink, opts ...Option) (*Router, *scanning.SweepState) {
	t.Helper()
	state := scanning.NewSweepState(scanning.ModeDiscovery)
	opts = append([]Option{WithLogger(logging.NewDiscard())}, opts...)
	r := New(cfg, sink, state, opts...)
	r.Start()
	return r, state
}

func successOutcome() scanning.Outcome {
	return scanning.Outcome{
		Kind:    scanning.OutcomeSuccess,
		Status:  &status.ServerStatus{VersionName: "1.20.4", MOTD: "hello"},
		Latency: 15 * time.Millisecond,
	}
}

func closeRouter(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestRouteWritesSuccessWithCountry(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	enricher := mocks.NewMockEnricher(ctrl)

	var written scanning.ServerRecord
	enricher.EXPECT().Country(gomock.Any(), testTarget.Addr).Return("NL", nil)
	sink.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec scanning.ServerRecord) error {
			written = rec
			return nil
		})

	r, state := newTestRouter(t, testConfig(), sink, WithEnricher(enricher))
	require.NoError(t, r.Route(context.Background(), testTarget, successOutcome()))
	closeRouter(t, r)

	assert.Equal(t, testTarget, written.Target)
	assert.Equal(t, scanning.OutcomeSuccess, written.Outcome)
	assert.Equal(t, "NL", written.Country)
	assert.Equal(t, "hello", written.Status.MOTD)
	assert.Equal(t, 15*time.Millisecond, written.Latency)
	assert.False(t, written.ObservedAt.IsZero())

	snap := state.Snapshot()
	assert.Equal(t, uint64(1), snap.Succeeded)
	assert.Equal(t, uint64(1), snap.SinkWritten)
	assert.Zero(t, snap.SinkFailed)
}

func TestRouteEnricherFailureStillWrites(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	enricher := mocks.NewMockEnricher(ctrl)

	enricher.EXPECT().Country(gomock.Any(), gomock.Any()).Return("", assert.AnError)
	sink.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec scanning.ServerRecord) error {
			assert.Empty(t, rec.Country)
			return nil
		})

	r, state := newTestRouter(t, testConfig(), sink, WithEnricher(enricher))
	require.NoError(t, r.Route(context.Background(), testTarget, successOutcome()))
	closeRouter(t, r)

	assert.Equal(t, uint64(1), state.Snapshot().SinkWritten)
}

func TestRouteFailureForwarding(t *testing.T) {
	timeout := scanning.Outcome{Kind: scanning.OutcomeTimeout, Latency: time.Second}
	canceled := scanning.Outcome{Kind: scanning.OutcomeCanceled}

	t.Run("discovery keeps failures out of the sink", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		sink := mocks.NewMockSink(ctrl)

		r, state := newTestRouter(t, testConfig(), sink)
		require.NoError(t, r.Route(context.Background(), testTarget, timeout))
		closeRouter(t, r)

		snap := state.Snapshot()
		assert.Equal(t, uint64(1), snap.Failed)
		assert.Equal(t, uint64(1), snap.ByOutcome[scanning.OutcomeTimeout])
		assert.Zero(t, snap.SinkWritten)
	})

	t.Run("rescan forwards failures", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		sink := mocks.NewMockSink(ctrl)
		sink.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, rec scanning.ServerRecord) error {
				assert.Equal(t, scanning.OutcomeTimeout, rec.Outcome)
				assert.Nil(t, rec.Status)
				return nil
			})

		cfg := testConfig()
		cfg.ForwardFailures = true
		r, state := newTestRouter(t, cfg, sink)
		require.NoError(t, r.Route(context.Background(), testTarget, timeout))
		closeRouter(t, r)

		assert.Equal(t, uint64(1), state.Snapshot().SinkWritten)
	})

	t.Run("canceled attempts are never written", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		sink := mocks.NewMockSink(ctrl)

		cfg := testConfig()
		cfg.ForwardFailures = true
		r, state := newTestRouter(t, cfg, sink)
		require.NoError(t, r.Route(context.Background(), testTarget, canceled))
		closeRouter(t, r)

		snap := state.Snapshot()
		assert.Equal(t, uint64(1), snap.ByOutcome[scanning.OutcomeCanceled])
		assert.Zero(t, snap.SinkWritten)
		assert.Zero(t, snap.SinkFailed)
	})
}

func TestWriteRetriesTransientErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)

	unavailable := errors.NewDatabaseError(errors.CodeSinkUnavailable, "Database connection lost")
	gomock.InOrder(
		sink.EXPECT().Write(gomock.Any(), gomock.Any()).Return(unavailable),
		sink.EXPECT().Write(gomock.Any(), gomock.Any()).Return(unavailable),
		sink.EXPECT().Write(gomock.Any(), gomock.Any()).Return(nil),
	)

	r, state := newTestRouter(t, testConfig(), sink)
	require.NoError(t, r.Route(context.Background(), testTarget, successOutcome()))
	closeRouter(t, r)

	snap := state.Snapshot()
	assert.Equal(t, uint64(1), snap.SinkWritten)
	assert.Zero(t, snap.SinkFailed)
}

func TestWriteGivesUpAfterMaxRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)

	sink.EXPECT().Write(gomock.Any(), gomock.Any()).
		Return(errors.NewDatabaseError(errors.CodeDatabaseQuery, "Database operation failed")).
		Times(3)

	r, state := newTestRouter(t, testConfig(), sink)
	require.NoError(t, r.Route(context.Background(), testTarget, successOutcome()))
	closeRouter(t, r)

	snap := state.Snapshot()
	assert.Zero(t, snap.SinkWritten)
	assert.Equal(t, uint64(1), snap.SinkFailed)
}

func TestWriteDoesNotRetryPermanentErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)

	sink.EXPECT().Write(gomock.Any(), gomock.Any()).
		Return(errors.NewDatabaseError(errors.CodeValidation, "Data validation failed")).
		Times(1)

	r, state := newTestRouter(t, testConfig(), sink)
	require.NoError(t, r.Route(context.Background(), testTarget, successOutcome()))
	closeRouter(t, r)

	assert.Equal(t, uint64(1), state.Snapshot().SinkFailed)
}

func TestRouteBlocksOnFullQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)

	release := make(chan struct{})
	sink.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, scanning.ServerRecord) error {
			<-release
			return nil
		}).Times(2)

	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.Workers = 1
	r, state := newTestRouter(t, cfg, sink)

	// The writer holds the first record and the queue holds the second.
	require.NoError(t, r.Route(context.Background(), testTarget, successOutcome()))
	require.NoError(t, r.Route(context.Background(), testTarget, successOutcome()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := r.Route(ctx, testTarget, successOutcome())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSinkBackpressure), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	close(release)
	closeRouter(t, r)

	snap := state.Snapshot()
	assert.Equal(t, uint64(3), snap.Succeeded)
	assert.Equal(t, uint64(2), snap.SinkWritten)
	assert.Equal(t, uint64(1), snap.SinkFailed)
}

func TestRouteUnblocksWhenSinkCatchesUp(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)

	var mu sync.Mutex
	count := 0
	sink.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, scanning.ServerRecord) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		}).AnyTimes()

	cfg := testConfig()
	cfg.QueueSize = 2
	r, state := newTestRouter(t, cfg, sink)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, r.Route(context.Background(), testTarget, successOutcome()))
			}
		}()
	}
	wg.Wait()
	closeRouter(t, r)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 40, count)
	assert.Equal(t, uint64(40), state.Snapshot().SinkWritten)
}

func TestRouteAfterClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)

	r, state := newTestRouter(t, testConfig(), sink)
	closeRouter(t, r)

	err := r.Route(context.Background(), testTarget, successOutcome())
	assert.True(t, errors.IsCode(err, errors.CodeSinkUnavailable), "got %v", err)
	assert.Equal(t, uint64(1), state.Snapshot().SinkFailed)

	// Closing twice is harmless.
	assert.NoError(t, r.Close(context.Background()))
}

func TestCloseAbandonsStuckWrites(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)

	sink.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ scanning.ServerRecord) error {
			<-ctx.Done()
			return ctx.Err()
		}).Times(1)

	cfg := testConfig()
	cfg.Workers = 1
	r, state := newTestRouter(t, cfg, sink)
	require.NoError(t, r.Route(context.Background(), testTarget, successOutcome()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Close(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSinkBackpressure))
	assert.Equal(t, uint64(1), state.Snapshot().SinkFailed)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.NewDatabaseError(errors.CodeSinkUnavailable, "lost"), true},
		{errors.NewDatabaseError(errors.CodeDatabaseQuery, "failed"), true},
		{assert.AnError, true},
		{errors.NewDatabaseError(errors.CodeConflict, "exists"), false},
		{errors.NewDatabaseError(errors.CodeValidation, "invalid"), false},
		{errors.NewDatabaseError(errors.CodeCanceled, "canceled"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryable(tt.err), "%v", tt.err)
	}
}
