package executor_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"benchrunner/internal/executor"
	"benchrunner/internal/models"
)

type MockDeps struct {
	mock.Mock
}

func (m *MockDeps) ResultExists(ctx context.Context, runID int64, key models.ItemKey) (bool, error) {
	args := m.Called(runID, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeps) Generate(ctx context.Context, model string, question models.Question, params models.Parameters) (string, error) {
	args := m.Called(model, question.ID)
	if d, ok := args.Get(2).(time.Duration); ok && d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return args.String(0), args.Error(1)
}

func (m *MockDeps) Evaluate(ctx context.Context, evaluator string, answer models.Answer, criteria string) (float64, error) {
	args := m.Called(evaluator, answer.ID, criteria)
	return args.Get(0).(float64), args.Error(1)
}

var generationRun = &models.Run{ID: 1, Stage: models.StageGeneration, ExecutorID: "gpt-4o"}

func item(q int64) models.WorkItem {
	return models.WorkItem{Key: models.GenerationKey(q, 0), Question: models.Question{ID: q, Text: "q"}}
}

func TestExecutor_Generation(t *testing.T) {
	tests := []struct {
		name     string
		exists   bool
		answer   string
		err      error
		kind     executor.Kind
		failure  executor.Failure
		retrying bool
	}{
		{name: "success", answer: "42", kind: executor.Success},
		{name: "already stored", exists: true, kind: executor.Skip},
		{
			name:    "permanent",
			err:     fmt.Errorf("%w: content policy", models.ErrItemPermanent),
			kind:    executor.Failed,
			failure: executor.Permanent,
		},
		{
			name:     "unclassified is transient",
			err:      errors.New("connection reset"),
			kind:     executor.Failed,
			failure:  executor.Transient,
			retrying: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := &MockDeps{}
			deps.On("ResultExists", int64(1), models.GenerationKey(7, 0)).Return(tt.exists, nil)
			deps.On("Generate", "gpt-4o", int64(7)).Return(tt.answer, tt.err, time.Duration(0)).Maybe()

			e := executor.New(deps, deps, deps)
			out := e.Execute(context.Background(), generationRun, item(7))

			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.failure, out.Failure)
			assert.Equal(t, tt.retrying, out.Retryable())
			if tt.kind == executor.Success {
				assert.Equal(t, null.StringFrom(tt.answer), out.Payload)
			}
			if tt.exists {
				deps.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestExecutor_Timeout(t *testing.T) {
	deps := &MockDeps{}
	deps.On("ResultExists", mock.Anything, mock.Anything).Return(false, nil)
	deps.On("Generate", "gpt-4o", int64(1)).Return("late", nil, time.Second)

	e := executor.New(deps, deps, deps, executor.WithItemTimeout(20*time.Millisecond))
	out := e.Execute(context.Background(), generationRun, item(1))

	assert.Equal(t, executor.Failed, out.Kind)
	assert.Equal(t, executor.Transient, out.Failure)
	assert.ErrorIs(t, out.Err, models.ErrItemTransient)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestExecutor_Evaluation(t *testing.T) {
	deps := &MockDeps{}
	run := &models.Run{ID: 2, Stage: models.StageEvaluation, ExecutorID: "claude-3-5-sonnet", Parameters: models.Parameters{Criteria: "accuracy"}}
	answer := &models.Answer{ID: 31, Text: "Paris"}
	deps.On("ResultExists", int64(2), models.EvaluationKey(31)).Return(false, nil)
	deps.On("Evaluate", "claude-3-5-sonnet", int64(31), "accuracy").Return(8.0, nil)

	e := executor.New(deps, deps, deps)
	out := e.Execute(context.Background(), run, models.WorkItem{Key: models.EvaluationKey(31), Answer: answer})
	assert.Equal(t, executor.Success, out.Kind)
	assert.Equal(t, null.FloatFrom(8), out.Score)

	deps.On("ResultExists", int64(2), models.EvaluationKey(32)).Return(false, nil)
	missing := e.Execute(context.Background(), run, models.WorkItem{Key: models.EvaluationKey(32)})
	assert.Equal(t, executor.Permanent, missing.Failure)
}

func TestExecutor_ResultCheckFails(t *testing.T) {
	deps := &MockDeps{}
	deps.On("ResultExists", mock.Anything, mock.Anything).Return(false, errors.New("db down"))

	out := executor.New(deps, deps, deps).Execute(context.Background(), generationRun, item(1))
	assert.True(t, out.Retryable())
	deps.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestExecutor_RateLimit(t *testing.T) {
	deps := &MockDeps{}
	deps.On("ResultExists", mock.Anything, mock.Anything).Return(false, nil)
	deps.On("Generate", mock.Anything, mock.Anything).Return("ok", nil, time.Duration(0))

	e := executor.New(deps, deps, deps, executor.WithRateLimit(20, 1))
	start := time.Now()
	for i := 0; i < 3; i++ {
		assert.Equal(t, executor.Success, e.Execute(context.Background(), generationRun, item(int64(i+1))).Kind)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, e.Execute(ctx, generationRun, item(9)).Retryable())
}
