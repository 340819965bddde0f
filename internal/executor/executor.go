// Package executor processes a single work item. It calls the generator or evaluator, classifies
// what went wrong and returns an Outcome; persisting it is the caller's business.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"golang.org/x/time/rate"

	"benchrunner/internal/models"
)

type Kind int

const (
	Success Kind = iota
	Failed
	// Skip means a result for the item is already stored
	Skip
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Failure int

const (
	Transient Failure = iota + 1
	Permanent
)

type Outcome struct {
	Kind    Kind
	Failure Failure
	Payload null.String
	Score   null.Float
	Err     error
}

func (o Outcome) Retryable() bool {
	return o.Kind == Failed && o.Failure == Transient
}

type ResultChecker interface {
	ResultExists(ctx context.Context, runID int64, key models.ItemKey) (bool, error)
}

type Generator interface {
	Generate(ctx context.Context, model string, question models.Question, params models.Parameters) (string, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, evaluator string, answer models.Answer, criteria string) (float64, error)
}

type Executor struct {
	results     ResultChecker
	generator   Generator
	evaluator   Evaluator
	limiter     *rate.Limiter
	itemTimeout time.Duration
}

type Option func(*Executor)

// WithRateLimit throttles generator and evaluator calls to perSecond with the given burst
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Executor) {
		if perSecond > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithItemTimeout bounds each call. It must stay below the lease timeout.
func WithItemTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.itemTimeout = d
	}
}

func New(results ResultChecker, generator Generator, evaluator Evaluator, opts ...Option) *Executor {
	e := &Executor{
		results:     results,
		generator:   generator,
		evaluator:   evaluator,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		itemTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute processes one item of run
func (e *Executor) Execute(ctx context.Context, run *models.Run, item models.WorkItem) Outcome {
	exists, err := e.results.ResultExists(ctx, run.ID, item.Key)
	if err != nil {
		return failure(fmt.Errorf("could not check for existing result of %s: %w", item.Key, err))
	}
	if exists {
		return Outcome{Kind: Skip}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return failure(fmt.Errorf("rate limiter: %w", err))
	}

	ictx := ctx
	if e.itemTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, e.itemTimeout)
		defer cancel()
	}

	switch run.Stage {
	case models.StageGeneration:
		text, err := e.generator.Generate(ictx, run.ExecutorID, item.Question, run.Parameters)
		if err != nil {
			return failure(err)
		}
		return Outcome{Kind: Success, Payload: null.StringFrom(text)}

	case models.StageEvaluation:
		if item.Answer == nil {
			return failure(fmt.Errorf("%w: evaluation item %s has no answer", models.ErrItemPermanent, item.Key))
		}
		score, err := e.evaluator.Evaluate(ictx, run.ExecutorID, *item.Answer, run.Parameters.Criteria)
		if err != nil {
			return failure(err)
		}
		return Outcome{Kind: Success, Score: null.FloatFrom(score)}
	}

	return failure(fmt.Errorf("%w: unknown stage %q", models.ErrItemPermanent, run.Stage))
}

// failure classifies err. Only errors wrapping models.ErrItemPermanent are permanent, timeouts
// and everything unrecognised are worth another attempt.
func failure(err error) Outcome {
	if errors.Is(err, models.ErrItemPermanent) {
		return Outcome{Kind: Failed, Failure: Permanent, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: item timed out: %w", models.ErrItemTransient, err)
	}
	return Outcome{Kind: Failed, Failure: Transient, Err: err}
}
