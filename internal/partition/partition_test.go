package partition_test

import (
	"context"
	"errors"
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"benchrunner/internal/models"
	"benchrunner/internal/partition"
)

type MockSource struct {
	mock.Mock
}

func (m *MockSource) LoadOrderedQuestions(ctx context.Context, datasetVersionID int64) ([]models.Question, error) {
	args := m.Called(ctx, datasetVersionID)
	questions, _ := args.Get(0).([]models.Question)
	return questions, args.Error(1)
}

func (m *MockSource) ListAnswers(ctx context.Context, runID int64) ([]models.Answer, error) {
	args := m.Called(ctx, runID)
	answers, _ := args.Get(0).([]models.Answer)
	return answers, args.Error(1)
}

func questions(ids ...int64) []models.Question {
	qs := make([]models.Question, len(ids))
	for i, id := range ids {
		qs[i] = models.Question{ID: id, DatasetVersionID: 1, Text: "q"}
	}
	return qs
}

func generationRun(repeat int) *models.Run {
	return &models.Run{ID: 9, Stage: models.StageGeneration, DatasetVersionID: 1, RepeatCount: repeat}
}

func TestPartitioner_EnumerateGeneration(t *testing.T) {
	src := &MockSource{}
	src.On("LoadOrderedQuestions", mock.Anything, int64(1)).Return(questions(3, 7, 11), nil)

	p := partition.New(src)
	part, err := p.Enumerate(context.Background(), generationRun(2))
	require.NoError(t, err)
	require.Equal(t, 6, part.Total())

	expected := []models.ItemKey{
		models.GenerationKey(3, 0), models.GenerationKey(7, 0), models.GenerationKey(11, 0),
		models.GenerationKey(3, 1), models.GenerationKey(7, 1), models.GenerationKey(11, 1),
	}
	for i, item := range part.Items {
		assert.Equal(t, expected[i], item.Key)
		assert.Equal(t, i, item.Ordinal)
	}

	again, err := p.Enumerate(context.Background(), generationRun(2))
	require.NoError(t, err)
	assert.Equal(t, part.Fingerprint, again.Fingerprint, "enumeration must be deterministic")

	other, err := p.Enumerate(context.Background(), generationRun(3))
	require.NoError(t, err)
	assert.NotEqual(t, part.Fingerprint, other.Fingerprint)
}

func TestPartitioner_EnumerateEvaluation(t *testing.T) {
	src := &MockSource{}
	src.On("ListAnswers", mock.Anything, int64(4)).Return([]models.Answer{
		{ID: 21, QuestionID: 3, Text: "a1", QuestionText: "q3", ReferenceAnswer: null.StringFrom("ref")},
		{ID: 25, QuestionID: 7, RepeatIndex: 1, Text: "a2", QuestionText: "q7"},
	}, nil)

	run := &models.Run{ID: 10, Stage: models.StageEvaluation, SourceRunID: null.IntFrom(4)}
	part, err := partition.New(src).Enumerate(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, part.Items, 2)

	assert.Equal(t, models.EvaluationKey(21), part.Items[0].Key)
	assert.Equal(t, "ref", part.Items[0].Question.ReferenceAnswer.String)
	assert.Equal(t, "a2", part.Items[1].Answer.Text)
	assert.Equal(t, int64(25), part.Items[1].Answer.ID, "each item must point at its own answer")
}

func TestPartitioner_Unavailable(t *testing.T) {
	tests := []struct {
		name string
		run  *models.Run
		prep func(src *MockSource)
	}{
		{
			name: "dataset cannot be loaded",
			run:  generationRun(1),
			prep: func(src *MockSource) {
				src.On("LoadOrderedQuestions", mock.Anything, int64(1)).Return(nil, models.ErrNotFound)
			},
		},
		{
			name: "dataset is empty",
			run:  generationRun(1),
			prep: func(src *MockSource) {
				src.On("LoadOrderedQuestions", mock.Anything, int64(1)).Return([]models.Question{}, nil)
			},
		},
		{
			name: "evaluation without source",
			run:  &models.Run{Stage: models.StageEvaluation},
			prep: func(src *MockSource) {},
		},
		{
			name: "answers cannot be loaded",
			run:  &models.Run{Stage: models.StageEvaluation, SourceRunID: null.IntFrom(2)},
			prep: func(src *MockSource) {
				src.On("ListAnswers", mock.Anything, int64(2)).Return(nil, errors.New("connection reset"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &MockSource{}
			tt.prep(src)
			_, err := partition.New(src).Enumerate(context.Background(), tt.run)
			assert.ErrorIs(t, err, models.ErrPartitionUnavailable)
		})
	}
}

func TestPartition_After(t *testing.T) {
	src := &MockSource{}
	src.On("LoadOrderedQuestions", mock.Anything, int64(1)).Return(questions(1, 2, 3, 4, 5), nil)
	p := partition.New(src)
	ctx := context.Background()

	part, rest, err := p.Remaining(ctx, generationRun(2), nil)
	require.NoError(t, err)
	assert.Len(t, rest, 10)

	cp := &models.Checkpoint{
		Version:     models.CheckpointVersion,
		LastKey:     part.Items[6].Key,
		LastOrdinal: 6,
		Fingerprint: part.Fingerprint,
	}

	t.Run("strictly after checkpoint", func(t *testing.T) {
		rest, err := part.After(cp)
		require.NoError(t, err)
		require.Len(t, rest, 3)
		assert.Equal(t, 7, rest[0].Ordinal)
		assert.Equal(t, models.GenerationKey(3, 1), rest[0].Key)
	})

	t.Run("checkpoint at last item leaves nothing", func(t *testing.T) {
		last := *cp
		last.LastOrdinal = 9
		last.LastKey = part.Items[9].Key
		rest, err := part.After(&last)
		require.NoError(t, err)
		assert.Empty(t, rest)
	})

	t.Run("changed repeat count is rejected", func(t *testing.T) {
		_, _, err := p.Remaining(ctx, generationRun(3), cp)
		assert.ErrorIs(t, err, models.ErrCheckpointMismatch)
	})

	t.Run("key and ordinal disagree", func(t *testing.T) {
		bad := *cp
		bad.LastKey = part.Items[2].Key
		_, err := part.After(&bad)
		assert.ErrorIs(t, err, models.ErrCheckpointMismatch)
	})

	t.Run("ordinal out of range", func(t *testing.T) {
		bad := *cp
		bad.LastOrdinal = 42
		_, err := part.After(&bad)
		assert.ErrorIs(t, err, models.ErrCheckpointMismatch)
	})
}
