// Package export writes run results out as JSON lines, one object per line and one file per run,
// either to a local writer or to an S3 bucket.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"benchrunner/internal/models"
)

type Store interface {
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
	ListRuns(ctx context.Context, batchID int64) ([]models.Run, error)
	ListResults(ctx context.Context, runID int64) ([]models.ItemResult, error)
}

// Uploader is the part of the S3 client the exporter uses
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// NewS3Client builds a client for AWS or any S3 compatible endpoint
func NewS3Client(conf Config) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = conf.Region
		if o.Region == "" {
			o.Region = "us-east-1"
		}
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
		}
		o.UsePathStyle = conf.ForcePathStyle
		if conf.AccessKeyID != "" && conf.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(conf.AccessKeyID, conf.SecretAccessKey, "")
		}
	})
}

// Record is one exported line
type Record struct {
	BatchID     int64               `json:"batch_id"`
	RunID       int64               `json:"run_id"`
	Stage       models.Stage        `json:"stage"`
	ExecutorID  string              `json:"executor_id"`
	RunIndex    int                 `json:"run_index"`
	ItemKey     string              `json:"item_key"`
	Ordinal     int                 `json:"ordinal"`
	QuestionID  int64               `json:"question_id"`
	RepeatIndex int                 `json:"repeat_index"`
	AnswerID    null.Int            `json:"answer_id"`
	Status      models.ResultStatus `json:"status"`
	Payload     null.String         `json:"payload"`
	Score       null.Float          `json:"score"`
	Error       null.String         `json:"error"`
	Attempts    int                 `json:"attempts"`
	ProducedAt  time.Time           `json:"produced_at"`
}

type Exporter struct {
	store    Store
	uploader Uploader
	bucket   string
	prefix   string
}

// NewExporter creates an exporter. uploader may be nil when only WriteBatch is used.
func NewExporter(store Store, uploader Uploader, bucket, prefix string) *Exporter {
	return &Exporter{store: store, uploader: uploader, bucket: bucket, prefix: prefix}
}

// Key is the object key of the export of one run
func (e *Exporter) Key(run *models.Run) string {
	return path.Join(e.prefix, fmt.Sprintf("batch-%d", run.BatchID), fmt.Sprintf("run-%d-%s-%d.jsonl", run.ID, run.ExecutorID, run.RunIndex))
}

// Export uploads one JSONL object per run of the batch and returns the keys written
func (e *Exporter) Export(ctx context.Context, batchID int64) ([]string, error) {
	if e.uploader == nil || e.bucket == "" {
		return nil, errors.New("export bucket is not configured")
	}

	runs, err := e.runs(ctx, batchID)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(runs))
	for i := range runs {
		run := &runs[i]

		var buf bytes.Buffer
		n, err := e.WriteRun(ctx, &buf, run)
		if err != nil {
			return keys, err
		}

		key := e.Key(run)
		if _, err := e.uploader.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(e.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String("application/x-ndjson"),
		}); err != nil {
			return keys, fmt.Errorf("uploading s3://%s/%s: %w", e.bucket, key, err)
		}

		keys = append(keys, key)
		log.Info().
			Int64("batch_id", batchID).
			Int64("run_id", run.ID).
			Int("records", n).
			Str("key", key).
			Msg("Exported run")
	}
	return keys, nil
}

// WriteBatch writes the results of every run of the batch to w and returns the number of records
func (e *Exporter) WriteBatch(ctx context.Context, w io.Writer, batchID int64) (int, error) {
	runs, err := e.runs(ctx, batchID)
	if err != nil {
		return 0, err
	}

	total := 0
	for i := range runs {
		n, err := e.WriteRun(ctx, w, &runs[i])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteRun writes the results of one run to w in item order
func (e *Exporter) WriteRun(ctx context.Context, w io.Writer, run *models.Run) (int, error) {
	results, err := e.store.ListResults(ctx, run.ID)
	if err != nil {
		return 0, fmt.Errorf("could not list results of run %d: %w", run.ID, err)
	}

	enc := json.NewEncoder(w)
	for i, r := range results {
		if err := enc.Encode(Record{
			BatchID:     run.BatchID,
			RunID:       run.ID,
			Stage:       run.Stage,
			ExecutorID:  run.ExecutorID,
			RunIndex:    run.RunIndex,
			ItemKey:     r.ItemKey,
			Ordinal:     r.Ordinal,
			QuestionID:  r.QuestionID,
			RepeatIndex: r.RepeatIndex,
			AnswerID:    r.AnswerID,
			Status:      r.Status,
			Payload:     r.Payload,
			Score:       r.Score,
			Error:       r.ErrorMessage,
			Attempts:    r.Attempts,
			ProducedAt:  r.ProducedAt,
		}); err != nil {
			return i, err
		}
	}
	return len(results), nil
}

func (e *Exporter) runs(ctx context.Context, batchID int64) ([]models.Run, error) {
	if _, err := e.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return e.store.ListRuns(ctx, batchID)
}
