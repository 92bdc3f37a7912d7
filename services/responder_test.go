package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnswerJSON(t *testing.T) {
	raw := `{"start_message":"Yes, we have it!","core_message":{"product":[],"options":["Yes","No"]},"end_message":"Thanks","more_prompt":""}`

	answer, err := ParseAnswerJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "Yes, we have it!", answer.StartMessage)
	assert.Equal(t, []string{"Yes", "No"}, answer.CoreMessage.Options)
	assert.Equal(t, "Thanks", answer.EndMessage)
}

func TestParseAnswerJSON_StripsCodeFences(t *testing.T) {
	raw := "```json\n{\"start_message\":\"Fenced\",\"core_message\":{\"product\":[]}}\n```"

	answer, err := ParseAnswerJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "Fenced", answer.StartMessage)

	raw = "```\n{\"start_message\":\"Bare fence\",\"core_message\":{\"product\":[]}}\n```"
	answer, err = ParseAnswerJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "Bare fence", answer.StartMessage)
}

func TestParseAnswerJSON_InvalidInput(t *testing.T) {
	_, err := ParseAnswerJSON("not json")
	assert.Error(t, err)

	_, err = ParseAnswerJSON("")
	assert.Error(t, err)
}
