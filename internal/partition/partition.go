// Package partition turns a run into its ordered list of work items. The order is the only thing
// resumption relies on: the same run row must always enumerate to the same items in the same
// order, and the fingerprint lets a checkpoint prove it was taken against that order.
package partition

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"benchrunner/internal/models"
)

// Source supplies what the partitioner enumerates over
type Source interface {
	LoadOrderedQuestions(ctx context.Context, datasetVersionID int64) ([]models.Question, error)
	ListAnswers(ctx context.Context, runID int64) ([]models.Answer, error)
}

// Partition is the full enumeration of one run
type Partition struct {
	Items       []models.WorkItem
	Fingerprint string
}

func (p *Partition) Total() int {
	return len(p.Items)
}

type Partitioner struct {
	source Source
}

func New(source Source) *Partitioner {
	return &Partitioner{source: source}
}

// Enumerate lists every item of the run.
//
// Generation runs are ordered repeat-major: all questions in ascending id for repeat 0, then
// for repeat 1, and so on, so the ordinal of (question position q, repeat r) is r*len(questions)+q.
// Evaluation runs list the successful answers of their source run in ascending answer id.
func (p *Partitioner) Enumerate(ctx context.Context, run *models.Run) (*Partition, error) {
	var items []models.WorkItem

	switch run.Stage {
	case models.StageGeneration:
		questions, err := p.source.LoadOrderedQuestions(ctx, run.DatasetVersionID)
		if err != nil {
			return nil, fmt.Errorf("%w: dataset version %d: %w", models.ErrPartitionUnavailable, run.DatasetVersionID, err)
		}
		if len(questions) == 0 {
			return nil, fmt.Errorf("%w: dataset version %d has no questions", models.ErrPartitionUnavailable, run.DatasetVersionID)
		}

		repeats := max(run.RepeatCount, 1)
		items = make([]models.WorkItem, 0, repeats*len(questions))
		for r := 0; r < repeats; r++ {
			for _, q := range questions {
				items = append(items, models.WorkItem{
					Key:      models.GenerationKey(q.ID, r),
					Ordinal:  len(items),
					Question: q,
				})
			}
		}

	case models.StageEvaluation:
		if !run.SourceRunID.Valid {
			return nil, fmt.Errorf("%w: evaluation run %d has no source run", models.ErrPartitionUnavailable, run.ID)
		}
		answers, err := p.source.ListAnswers(ctx, run.SourceRunID.Int64)
		if err != nil {
			return nil, fmt.Errorf("%w: answers of run %d: %w", models.ErrPartitionUnavailable, run.SourceRunID.Int64, err)
		}

		items = make([]models.WorkItem, 0, len(answers))
		for i := range answers {
			a := answers[i]
			items = append(items, models.WorkItem{
				Key:      models.EvaluationKey(a.ID),
				Ordinal:  len(items),
				Question: models.Question{ID: a.QuestionID, Text: a.QuestionText, ReferenceAnswer: a.ReferenceAnswer},
				Answer:   &a,
			})
		}

	default:
		return nil, fmt.Errorf("%w: unknown stage %q", models.ErrPartitionUnavailable, run.Stage)
	}

	return &Partition{Items: items, Fingerprint: fingerprint(run, items)}, nil
}

// Remaining enumerates the run and drops everything up to and including the checkpoint
func (p *Partitioner) Remaining(ctx context.Context, run *models.Run, cp *models.Checkpoint) (*Partition, []models.WorkItem, error) {
	part, err := p.Enumerate(ctx, run)
	if err != nil {
		return nil, nil, err
	}

	rest, err := part.After(cp)
	if err != nil {
		return nil, nil, err
	}
	return part, rest, nil
}

// After returns the items strictly after the checkpoint, or every item when cp is nil. A
// checkpoint taken against a different enumeration is rejected.
func (p *Partition) After(cp *models.Checkpoint) ([]models.WorkItem, error) {
	if cp == nil {
		return p.Items, nil
	}
	if err := p.Validate(cp); err != nil {
		return nil, err
	}
	return p.Items[cp.LastOrdinal+1:], nil
}

// Validate checks that cp was taken against this partition
func (p *Partition) Validate(cp *models.Checkpoint) error {
	var errs []error
	if cp.Fingerprint != p.Fingerprint {
		errs = append(errs, fmt.Errorf("fingerprint %s, expected %s", cp.Fingerprint, p.Fingerprint))
	}
	if cp.LastOrdinal < 0 || cp.LastOrdinal >= len(p.Items) {
		errs = append(errs, fmt.Errorf("ordinal %d outside of %d items", cp.LastOrdinal, len(p.Items)))
	} else if p.Items[cp.LastOrdinal].Key != cp.LastKey {
		errs = append(errs, fmt.Errorf("item %d is %s, checkpoint has %s", cp.LastOrdinal, p.Items[cp.LastOrdinal].Key, cp.LastKey))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrCheckpointMismatch, errors.Join(errs...))
	}
	return nil
}

// fingerprint hashes the inputs that shape the enumeration along with the keys themselves
func fingerprint(run *models.Run, items []models.WorkItem) string {
	h := xxhash.New()
	_, _ = h.WriteString(string(run.Stage))
	_, _ = h.WriteString("|dv=" + strconv.FormatInt(run.DatasetVersionID, 10))
	_, _ = h.WriteString("|repeat=" + strconv.Itoa(run.RepeatCount))
	if run.SourceRunID.Valid {
		_, _ = h.WriteString("|source=" + strconv.FormatInt(run.SourceRunID.Int64, 10))
	}
	for _, item := range items {
		_, _ = h.WriteString("|" + item.Key.String())
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
