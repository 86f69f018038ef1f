package issuance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockReconciler is a mock implementation of Reconciler
type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) ReconcilePending(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestSweepRunsReconciliation(t *testing.T) {
	reconciler := new(MockReconciler)
	reconciler.On("ReconcilePending", mock.Anything).Return(2, nil).Once()
	reconciler.On("ReconcilePending", mock.Anything).Return(0, errors.New("database is locked")).Once()

	sweeper := NewSweeper(reconciler, "", time.Second, nil)
	sweeper.Sweep(context.Background())
	sweeper.Sweep(context.Background())

	assert.Equal(t, 2, sweeper.Sweeps())
	reconciler.AssertExpectations(t)
}

func TestSweeperStartStop(t *testing.T) {
	reconciler := new(MockReconciler)
	reconciler.On("ReconcilePending", mock.Anything).Return(0, nil).Maybe()

	sweeper := NewSweeper(reconciler, "@every 1h", time.Second, nil)
	require.NoError(t, sweeper.Start(context.Background()))
	assert.Error(t, sweeper.Start(context.Background()))

	sweeper.Stop()
	sweeper.Stop()
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	sweeper := NewSweeper(new(MockReconciler), "every minute", time.Second, nil)
	assert.Error(t, sweeper.Start(context.Background()))
}
