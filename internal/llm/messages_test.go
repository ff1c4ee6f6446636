package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicMessagesExtractsSystem(t *testing.T) {
	system, out := anthropicMessages([]Message{
		{Role: "system", Content: "be kind"},
		{Role: "user", Content: "hello"},
		{Role: "system", Content: "be brief"},
		{Role: "assistant", Content: "hi"},
	})

	assert.Equal(t, "be kind\n\nbe brief", system)
	require.Len(t, out, 2)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
}

func TestAnthropicMessagesMergesSameRole(t *testing.T) {
	_, out := anthropicMessages([]Message{
		{Role: "user", Content: "part one"},
		{Role: "user", Content: "part two"},
		{Role: "assistant", Content: "reply"},
	})

	require.Len(t, out, 2)
	assert.Equal(t, "part one\n\npart two", out[0].Content)
}

func TestAnthropicMessagesSyntheticUserTurn(t *testing.T) {
	_, out := anthropicMessages([]Message{
		{Role: "assistant", Content: "previously..."},
		{Role: "user", Content: "go on"},
	})

	require.Len(t, out, 3)
	assert.Equal(t, "user", out[0].Role, "a leading assistant turn needs a user opener")
	assert.Equal(t, "assistant", out[1].Role)
}

func TestOpenAIMessagesFoldSystem(t *testing.T) {
	out := openaiMessages([]Message{
		{Role: "user", Content: "hello"},
		{Role: "system", Content: "be kind"},
		{Role: "system", Content: "be brief"},
		{Role: "assistant", Content: "hi"},
	})

	require.Len(t, out, 3)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "be kind\n\nbe brief", out[0].Content)
	assert.Equal(t, "user", out[1].Role)
}

func TestOpenAIMessagesNoSystem(t *testing.T) {
	out := openaiMessages([]Message{{Role: "user", Content: "hello"}})
	require.Len(t, out, 1)
	assert.Equal(t, "user", out[0].Role)
}
