package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLockTimeout = errors.New("lock timeout")

func TestPollStopsWhenDone(t *testing.T) {
	attempts := 0
	err := Poll(context.Background(), Constant(time.Millisecond), NoTimeout, func(context.Context) (bool, error) {
		attempts++
		return attempts == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPollReturnsAttemptError(t *testing.T) {
	boom := errors.New("boom")
	err := Poll(context.Background(), Constant(time.Millisecond), NoTimeout, func(context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPollHonoursTimeout(t *testing.T) {
	start := time.Now()
	attempts := 0
	err := Poll(context.Background(), Constant(5*time.Millisecond), 30*time.Millisecond, func(context.Context) (bool, error) {
		attempts++
		return false, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, attempts, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollZeroTimeoutTriesOnce(t *testing.T) {
	attempts := 0
	err := Poll(context.Background(), Constant(time.Millisecond), 0, func(context.Context) (bool, error) {
		attempts++
		return false, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts)

	err = Poll(context.Background(), Constant(time.Millisecond), 0, func(context.Context) (bool, error) {
		return true, nil
	})
	assert.NoError(t, err)
}

func TestPollCallerDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Poll(ctx, Constant(5*time.Millisecond), NoTimeout, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollAttemptInterruptedByTimeout(t *testing.T) {
	err := Poll(context.Background(), Constant(time.Millisecond), 20*time.Millisecond, func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestPollChecksContextBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Poll(ctx, nil, time.Second, func(context.Context) (bool, error) {
		called = true
		return true, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestPollStopsWhenPolicyGivesUp(t *testing.T) {
	stop := func() backoff.BackOff { return &backoff.StopBackOff{} }
	err := Poll(context.Background(), stop, NoTimeout, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrBackoffStopped)
}

func TestExponentialPolicyIsFreshPerLoop(t *testing.T) {
	policy := Exponential(10*time.Millisecond, 40*time.Millisecond)

	a := policy()
	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, a.NextBackOff(), 60*time.Millisecond+1)
	}

	b := policy()
	first := b.NextBackOff()
	assert.GreaterOrEqual(t, first, 5*time.Millisecond)
	assert.LessOrEqual(t, first, 15*time.Millisecond+1)
}

func TestTimeoutError(t *testing.T) {
	err := TimeoutError(context.DeadlineExceeded, errLockTimeout, "lock:orders")
	assert.ErrorIs(t, err, errLockTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "lock:orders")

	assert.Equal(t, context.Canceled, TimeoutError(context.Canceled, errLockTimeout, "k"))
	assert.NoError(t, TimeoutError(nil, errLockTimeout, "k"))

	other := errors.New("other")
	assert.Equal(t, other, TimeoutError(other, errLockTimeout, "k"))
}
