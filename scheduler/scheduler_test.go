package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCollectsResultsInOrder(t *testing.T) {
	token := NewToken(context.Background())
	pool := NewPool(2)
	results, err := Run(context.Background(), token, pool, 5, func(ctx context.Context, i int) (int, error) {
		return i * i, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 4, 9, 16}, results)
}

func TestRunPropagatesFirstError(t *testing.T) {
	token := NewToken(context.Background())
	pool := NewPool(3)
	_, err := Run(context.Background(), token, pool, 3, func(ctx context.Context, i int) (int, error) {
		if i == 1 {
			return 0, errors.New("boom")
		}
		return i, nil
	})
	assert.Error(t, err)
}

func TestRunRespectsMaxParallel(t *testing.T) {
	token := NewToken(context.Background())
	pool := NewPool(2)
	var concurrent, max int32
	_, err := Run(context.Background(), token, pool, 10, func(ctx context.Context, i int) (int, error) {
		n := atomic.AddInt32(&concurrent, 1)
		defer atomic.AddInt32(&concurrent, -1)
		for {
			old := atomic.LoadInt32(&max)
			if n <= old || atomic.CompareAndSwapInt32(&max, old, n) {
				break
			}
		}
		return i, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, int(max), 2)
}

func TestRunBestEffortCollectsPerIndexErrors(t *testing.T) {
	token := NewToken(context.Background())
	pool := NewPool(2)
	results, errs := RunBestEffort(context.Background(), token, pool, 4, func(ctx context.Context, i int) (int, error) {
		if i%2 == 0 {
			return 0, errors.New("candidate failed")
		}
		return i, nil
	})
	assert.Equal(t, 1, results[1])
	assert.Error(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Error(t, errs[2])
	assert.NoError(t, errs[3])
}

func TestTokenCancelIsIdempotent(t *testing.T) {
	token := NewToken(context.Background())
	assert.False(t, token.Done())
	token.Cancel()
	token.Cancel()
	assert.True(t, token.Done())
}
