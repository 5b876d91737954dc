package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cararth/listing-ingestion-service/internal/models"
)

// MockRunner is a mock implementation of BatchRunner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) RunBatch(ctx context.Context, batchTS time.Time) (*models.BatchResult, error) {
	args := m.Called(ctx, batchTS)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.BatchResult), args.Error(1)
}

func TestScheduler_runUsesBatchTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	fixed := time.Date(2026, 10, 18, 0, 30, 0, 0, time.UTC)
	runner := new(MockRunner)
	runner.On("RunBatch", mock.Anything, mock.MatchedBy(func(ts time.Time) bool {
		return ts.Equal(fixed) && ts.Location() == loc
	})).Return(&models.BatchResult{Total: 3, Published: 2}, nil).Once()

	s := NewScheduler(runner, loc, zap.NewNop())
	s.now = func() time.Time { return fixed }
	s.run(context.Background())

	runner.AssertExpectations(t)
}

func TestScheduler_runLogsFailure(t *testing.T) {
	runner := new(MockRunner)
	runner.On("RunBatch", mock.Anything, mock.Anything).Return(nil, errors.New("store down")).Once()

	s := NewScheduler(runner, nil, zap.NewNop())
	assert.NotPanics(t, func() { s.run(context.Background()) })
	runner.AssertExpectations(t)
}

func TestScheduler_Start(t *testing.T) {
	s := NewScheduler(new(MockRunner), time.UTC, zap.NewNop())

	require.NoError(t, s.Start(context.Background(), "0 6,18 * * *"))
	next := s.Next()
	assert.False(t, next.IsZero())
	assert.Contains(t, []int{6, 18}, next.Hour())
	assert.Equal(t, 0, next.Minute())

	<-s.Stop().Done()
}

func TestScheduler_StartInvalidSchedule(t *testing.T) {
	s := NewScheduler(new(MockRunner), time.UTC, zap.NewNop())

	err := s.Start(context.Background(), "every now and then")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid batch schedule")
	assert.True(t, s.Next().IsZero())
}
