package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupOutlivesParentContext(t *testing.T) {
	g := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	var sawCancel atomic.Bool
	g.Go(ctx, "slow", func(ctx context.Context) error {
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return nil
	})

	cancel()
	close(release)
	require.NoError(t, g.Wait(context.Background()))
	assert.False(t, sawCancel.Load())
	assert.Zero(t, g.Failures())
}

func TestGroupCountsFailures(t *testing.T) {
	var hooked []string
	done := make(chan struct{}, 2)
	g := New(nil, WithFailureHook(func(task string, err error) {
		hooked = append(hooked, task)
		done <- struct{}{}
	}))

	g.Go(context.Background(), "identify", func(context.Context) error {
		return errors.New("backend down")
	})
	<-done
	g.Go(context.Background(), "refresh", func(context.Context) error {
		panic("boom")
	})
	<-done

	require.NoError(t, g.Wait(context.Background()))
	assert.Equal(t, int64(2), g.Failures())
	assert.Equal(t, []string{"identify", "refresh"}, hooked)
	assert.Zero(t, g.Running())
}

func TestGroupWaitHonoursDeadline(t *testing.T) {
	g := New(nil)
	release := make(chan struct{})
	g.Go(context.Background(), "stuck", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, g.Wait(context.Background()))
}
