package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSweeper struct {
	mock.Mock
}

func (m *mockSweeper) ReclaimStuck(_ context.Context, grace time.Duration, batch int) (int, error) {
	args := m.Called(grace, batch)
	return args.Int(0), args.Error(1)
}

func (m *mockSweeper) SweepReceipts(_ context.Context, retention time.Duration) (int64, error) {
	args := m.Called(retention)
	return int64(args.Int(0)), args.Error(1)
}

func (m *mockSweeper) SweepIdempotencyKeys(_ context.Context) (int64, error) {
	args := m.Called()
	return int64(args.Int(0)), args.Error(1)
}

func TestReclaimStuck(t *testing.T) {
	runs := new(mockSweeper)
	runs.On("ReclaimStuck", 5*time.Minute, 100).Return(3, nil).Once()

	w := New(runs, Config{Grace: 5 * time.Minute, Batch: 100})
	require.NoError(t, w.ReclaimStuck(context.Background()))
	runs.AssertExpectations(t)
}

func TestReclaimStuckError(t *testing.T) {
	runs := new(mockSweeper)
	runs.On("ReclaimStuck", mock.Anything, mock.Anything).Return(0, errors.New("db gone"))

	w := New(runs, Config{})
	assert.Error(t, w.ReclaimStuck(context.Background()))
}

func TestDefaults(t *testing.T) {
	runs := new(mockSweeper)
	runs.On("ReclaimStuck", 5*time.Minute, 100).Return(0, nil).Once()
	runs.On("SweepReceipts", 30*24*time.Hour).Return(0, nil).Once()
	runs.On("SweepIdempotencyKeys").Return(0, nil).Once()

	w := New(runs, Config{})
	ctx := context.Background()
	require.NoError(t, w.ReclaimStuck(ctx))
	require.NoError(t, w.SweepReceipts(ctx))
	require.NoError(t, w.SweepIdempotencyKeys(ctx))
	runs.AssertExpectations(t)
}
