package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
)

// ItemKey identifies one unit of work inside a run. Generation items are keyed by question and
// repeat index, evaluation items by the answer being scored.
type ItemKey struct {
	QuestionID  int64 `json:"question_id,omitempty"`
	RepeatIndex int   `json:"repeat_index,omitempty"`
	AnswerID    int64 `json:"answer_id,omitempty"`
}

func GenerationKey(questionID int64, repeatIndex int) ItemKey {
	return ItemKey{QuestionID: questionID, RepeatIndex: repeatIndex}
}

func EvaluationKey(answerID int64) ItemKey {
	return ItemKey{AnswerID: answerID}
}

func (k ItemKey) IsZero() bool {
	return k == ItemKey{}
}

// String renders the key in the form stored in item_results.item_key
func (k ItemKey) String() string {
	if k.AnswerID != 0 {
		return fmt.Sprintf("a%d", k.AnswerID)
	}
	return fmt.Sprintf("q%d.r%d", k.QuestionID, k.RepeatIndex)
}

// ParseItemKey is the inverse of ItemKey.String
func ParseItemKey(s string) (ItemKey, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "a"):
		id, err := strconv.ParseInt(s[1:], 10, 64)
		if err != nil || id <= 0 {
			return ItemKey{}, fmt.Errorf("invalid answer item key %q", s)
		}
		return EvaluationKey(id), nil

	case strings.HasPrefix(s, "q"):
		qPart, rPart, found := strings.Cut(s[1:], ".r")
		if !found {
			return ItemKey{}, fmt.Errorf("invalid question item key %q", s)
		}
		qid, err := strconv.ParseInt(qPart, 10, 64)
		if err != nil {
			return ItemKey{}, fmt.Errorf("invalid question id in item key %q", s)
		}
		repeat, err := strconv.Atoi(rPart)
		if err != nil || repeat < 0 {
			return ItemKey{}, fmt.Errorf("invalid repeat index in item key %q", s)
		}
		return GenerationKey(qid, repeat), nil
	}

	return ItemKey{}, fmt.Errorf("unrecognised item key %q", s)
}

// WorkItem is an ItemKey plus its position in the run's total order and the data the executor
// needs to process it
type WorkItem struct {
	Key      ItemKey
	Ordinal  int
	Question Question
	Answer   *Answer
}

// DatasetVersion is a models representing the `dataset_versions` table
type DatasetVersion struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Question is a models representing the `questions` table
type Question struct {
	ID               int64       `db:"id" json:"id"`
	DatasetVersionID int64       `db:"dataset_version_id" json:"datasetVersionId"`
	Text             string      `db:"text" json:"text"`
	QuestionType     null.String `db:"question_type" json:"questionType"`
	ReferenceAnswer  null.String `db:"reference_answer" json:"referenceAnswer"`
}

// Answer is a successful generation result together with the question it answers
type Answer struct {
	ID              int64       `db:"id" json:"id"`
	RunID           int64       `db:"run_id" json:"runId"`
	QuestionID      int64       `db:"question_id" json:"questionId"`
	RepeatIndex     int         `db:"repeat_index" json:"repeatIndex"`
	Text            string      `db:"payload" json:"text"`
	QuestionText    string      `db:"question_text" json:"questionText"`
	ReferenceAnswer null.String `db:"reference_answer" json:"referenceAnswer"`
}

type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailed  ResultStatus = "FAILED"
)

// ItemResult is a models representing the `item_results` table. There is at most one row per
// (run_id, item_key).
type ItemResult struct {
	ID           int64        `db:"id" json:"id"`
	RunID        int64        `db:"run_id" json:"runId"`
	Stage        Stage        `db:"stage" json:"stage"`
	ItemKey      string       `db:"item_key" json:"itemKey"`
	Ordinal      int          `db:"ordinal" json:"ordinal"`
	QuestionID   int64        `db:"question_id" json:"questionId"`
	RepeatIndex  int          `db:"repeat_index" json:"repeatIndex"`
	AnswerID     null.Int     `db:"answer_id" json:"answerId"`
	Status       ResultStatus `db:"status" json:"status"`
	ErrorMessage null.String  `db:"error_message" json:"errorMessage"`
	Payload      null.String  `db:"payload" json:"payload"`
	Score        null.Float   `db:"score" json:"score"`
	Attempts     int          `db:"attempts" json:"attempts"`
	ProducedAt   time.Time    `db:"produced_at" json:"producedAt"`
}

// NewItemResult prepares a result row for the given item. Status and payload are filled in by
// the caller.
func NewItemResult(run *Run, item WorkItem, now time.Time) *ItemResult {
	r := &ItemResult{
		RunID:       run.ID,
		Stage:       run.Stage,
		ItemKey:     item.Key.String(),
		Ordinal:     item.Ordinal,
		QuestionID:  item.Question.ID,
		RepeatIndex: item.Key.RepeatIndex,
		ProducedAt:  now,
	}
	if item.Answer != nil {
		r.AnswerID = null.IntFrom(item.Answer.ID)
		r.QuestionID = item.Answer.QuestionID
		r.RepeatIndex = item.Answer.RepeatIndex
	}
	return r
}
