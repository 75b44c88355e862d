package qwen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile(t *testing.T) {
	t.Parallel()

	profile := Profile()
	require.NoError(t, profile.Validate())
	assert.Equal(t, Name, profile.Name)
	assert.Equal(t, StartURL, profile.StartURL)
	assert.Equal(t, 1500*time.Millisecond, profile.PollInterval)
	assert.Equal(t, "textarea.message-input-textarea", profile.InputSelectors[0])
	assert.Contains(t, profile.AnswerPhaseScript, "phase-answer")
	assert.Contains(t, profile.GeneratingScript, "phase-thinking")
	assert.Contains(t, profile.GeneratingScript, "phase-search")
	assert.Empty(t, profile.NewChatSelectors)
}
