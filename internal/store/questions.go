package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"benchrunner/internal/models"
)

// CreateDatasetVersion stores a dataset version and its questions in one transaction. The ids
// assigned to the questions define their order within the dataset.
func (s *Store) CreateDatasetVersion(ctx context.Context, name string, questions []models.Question) (*models.DatasetVersion, error) {
	dv := &models.DatasetVersion{Name: name, CreatedAt: s.now()}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.QueryRowxContext(ctx,
			s.q(`INSERT INTO dataset_versions (name, created_at) VALUES (?, ?) RETURNING id`),
			dv.Name, dv.CreatedAt,
		).Scan(&dv.ID); err != nil {
			return fmt.Errorf("could not insert dataset version: %w", err)
		}

		for i := range questions {
			q := &questions[i]
			q.DatasetVersionID = dv.ID
			if err := tx.QueryRowxContext(ctx,
				s.q(`INSERT INTO questions (dataset_version_id, text, question_type, reference_answer)
VALUES (?, ?, ?, ?)
RETURNING id`),
				q.DatasetVersionID, q.Text, q.QuestionType, q.ReferenceAnswer,
			).Scan(&q.ID); err != nil {
				return fmt.Errorf("could not insert question %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dv, nil
}

// LoadOrderedQuestions returns the questions of a dataset version in ascending id order. A
// dataset version that does not exist yields models.ErrNotFound.
func (s *Store) LoadOrderedQuestions(ctx context.Context, datasetVersionID int64) ([]models.Question, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		s.q(`SELECT EXISTS (SELECT 1 FROM dataset_versions WHERE id = ?)`), datasetVersionID,
	); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("dataset version %d: %w", datasetVersionID, models.ErrNotFound)
	}

	var questions []models.Question
	if err := s.db.SelectContext(ctx, &questions,
		s.q(`SELECT id, dataset_version_id, text, question_type, reference_answer
FROM questions
WHERE dataset_version_id = ?
ORDER BY id`), datasetVersionID,
	); err != nil {
		return nil, err
	}
	return questions, nil
}

// ListAnswers returns the successful answers of a generation run in ascending id order
func (s *Store) ListAnswers(ctx context.Context, runID int64) ([]models.Answer, error) {
	var answers []models.Answer
	if err := s.db.SelectContext(ctx, &answers,
		s.q(`SELECT r.id, r.run_id, r.question_id, r.repeat_index, COALESCE(r.payload, '') AS payload, q.text AS question_text, q.reference_answer
FROM item_results r
JOIN questions q ON q.id = r.question_id
WHERE r.run_id = ? AND r.status = ?
ORDER BY r.id`), runID, models.ResultSuccess,
	); err != nil {
		return nil, err
	}
	return answers, nil
}
