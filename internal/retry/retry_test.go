package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagify-app/tagify-server/internal/retry"
)

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := retry.Default.Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	policy := retry.Policy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAndReturnsLastError(t *testing.T) {
	policy := retry.Policy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

	boom := errors.New("boom")
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_CancelledContext(t *testing.T) {
	policy := retry.Policy{Attempts: 5, Base: 50 * time.Millisecond, Max: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := policy.Do(ctx, func() error {
		calls++
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
