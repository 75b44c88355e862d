package perplexity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile(t *testing.T) {
	t.Parallel()

	profile := Profile()
	require.NoError(t, profile.Validate())
	assert.Equal(t, Name, profile.Name)
	assert.Equal(t, "https://www.perplexity.ai/", profile.StartURL)
	assert.Equal(t, "#ask-input", profile.InputSelectors[0])
	assert.True(t, profile.SendShapeFallback)
	assert.Contains(t, profile.LatestTextScript, "markdown-content-")
	assert.Empty(t, profile.NewChatSelectors)
}
