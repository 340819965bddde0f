package datasetcmd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"benchrunner/cmd/cli/datasetcmd"
)

func TestParse(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		name, questions, err := datasetcmd.Parse([]byte(`
name: trivia-v2
questions:
  - text: What is the capital of France?
    type: geography
    reference_answer: Paris
  - text: "  2 + 2?  "
`))
		require.NoError(t, err)
		assert.Equal(t, "trivia-v2", name)
		require.Len(t, questions, 2)
		assert.Equal(t, "Paris", questions[0].ReferenceAnswer.String)
		assert.Equal(t, "geography", questions[0].QuestionType.String)
		assert.Equal(t, "2 + 2?", questions[1].Text)
		assert.False(t, questions[1].ReferenceAnswer.Valid)
	})

	t.Run("empty question", func(t *testing.T) {
		_, _, err := datasetcmd.Parse([]byte("name: x\nquestions:\n  - text: ''\n"))
		assert.ErrorContains(t, err, "question 1 has no text")
	})

	t.Run("no questions", func(t *testing.T) {
		_, _, err := datasetcmd.Parse([]byte("name: x\n"))
		assert.ErrorContains(t, err, "no questions")
	})

	t.Run("not yaml", func(t *testing.T) {
		_, _, err := datasetcmd.Parse([]byte("name: [unclosed"))
		assert.Error(t, err)
	})
}
