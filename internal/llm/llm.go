// Package llm holds the generator and evaluator collaborators of the item executor. Both are
// thin prompts over a chat completion Provider; the Router picks the provider from the model id.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"benchrunner/internal/models"
)

// Completion is one single-turn chat request
type Completion struct {
	Model       string
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int64
}

// Provider sends a completion to one vendor's API and returns the text of the reply
type Provider interface {
	Complete(ctx context.Context, c Completion) (string, error)
}

// Router implements executor.Generator and executor.Evaluator
type Router struct {
	openai    Provider
	anthropic Provider
	maxTokens int64
}

// NewRouter builds a router. Either provider may be nil, models routed to a missing provider
// fail permanently.
func NewRouter(openAI, claude Provider, maxTokens int64) *Router {
	return &Router{openai: openAI, anthropic: claude, maxTokens: maxTokens}
}

func (r *Router) provider(model string) (Provider, error) {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		if r.anthropic == nil {
			return nil, fmt.Errorf("%w: no anthropic provider configured for %s", models.ErrItemPermanent, model)
		}
		return r.anthropic, nil
	}
	if r.openai == nil {
		return nil, fmt.Errorf("%w: no openai provider configured for %s", models.ErrItemPermanent, model)
	}
	return r.openai, nil
}

func (r *Router) completion(model, system, prompt string, params models.Parameters) Completion {
	c := Completion{Model: model, System: system, Prompt: prompt, MaxTokens: r.maxTokens}
	if params.Temperature.Valid {
		t := params.Temperature.Float64
		c.Temperature = &t
	}
	if params.MaxTokens.Valid {
		c.MaxTokens = params.MaxTokens.Int64
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	return c
}

// Generate asks model to answer the question
func (r *Router) Generate(ctx context.Context, model string, question models.Question, params models.Parameters) (string, error) {
	p, err := r.provider(model)
	if err != nil {
		return "", err
	}

	text, err := p.Complete(ctx, r.completion(model, params.SystemPrompt, question.Text, params))
	if err != nil {
		return "", classify(err)
	}
	return text, nil
}

const evaluatorSystem = "You grade answers to benchmark questions. Reply with a single score between 0 and 10 " +
	"on the first line, optionally followed by a short justification."

// Evaluate asks evaluator to score the answer and parses the score from the reply
func (r *Router) Evaluate(ctx context.Context, evaluator string, answer models.Answer, criteria string) (float64, error) {
	p, err := r.provider(evaluator)
	if err != nil {
		return 0, err
	}

	prompt := evaluationPrompt(answer, criteria)
	text, err := p.Complete(ctx, r.completion(evaluator, evaluatorSystem, prompt, models.Parameters{}))
	if err != nil {
		return 0, classify(err)
	}

	score, err := ParseScore(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", models.ErrItemTransient, err)
	}
	return score, nil
}

func evaluationPrompt(answer models.Answer, criteria string) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(answer.QuestionText)
	if answer.ReferenceAnswer.Valid && answer.ReferenceAnswer.String != "" {
		b.WriteString("\n\nReference answer:\n")
		b.WriteString(answer.ReferenceAnswer.String)
	}
	if criteria != "" {
		b.WriteString("\n\nCriteria:\n")
		b.WriteString(criteria)
	}
	b.WriteString("\n\nAnswer to grade:\n")
	b.WriteString(answer.Text)
	return b.String()
}

var scorePattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParseScore reads the first number of the reply. Scores must lie in [0, 10].
func ParseScore(text string) (float64, error) {
	match := scorePattern.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("no score in evaluator reply %q", truncate(text, 80))
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid score %q: %w", match, err)
	}
	if score < 0 || score > 10 {
		return 0, fmt.Errorf("score %v out of range", score)
	}
	return score, nil
}

// classify wraps API errors as permanent or transient. Client errors other than timeouts and
// rate limits will fail the same way on every attempt.
func classify(err error) error {
	if errors.Is(err, models.ErrItemPermanent) || errors.Is(err, models.ErrItemTransient) {
		return err
	}

	status := 0
	var oe *openai.Error
	var ae *anthropic.Error
	switch {
	case errors.As(err, &oe):
		status = oe.StatusCode
	case errors.As(err, &ae):
		status = ae.StatusCode
	}

	if IsPermanentStatus(status) {
		return fmt.Errorf("%w: %w", models.ErrItemPermanent, err)
	}
	return fmt.Errorf("%w: %w", models.ErrItemTransient, err)
}

func IsPermanentStatus(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
