package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyAssistantAppendsThenReplaces(t *testing.T) {
	// Arrange a history that ends in a user entry.
	history := History{
		{Role: RoleAssistant, Content: "Что ты нарисовал?"},
		{Role: RoleUser, Content: "Кота"},
	}

	// Act: the first delta appends, later deltas replace.
	first := ApplyAssistant(history, "Какой")
	second := ApplyAssistant(first, "Какой чудесный")
	third := ApplyAssistant(second, "Какой чудесный кот!")

	// Assert.
	require.Len(t, first, 3)
	require.Len(t, second, 3)
	require.Len(t, third, 3)
	assert.Equal(t, Turn{Role: RoleAssistant, Content: "Какой чудесный кот!"}, third[2])
	assert.Equal(t, "Какой", first[2].Content, "earlier snapshots stay untouched")
	assert.Len(t, history, 2)
}

func TestApplyAssistantOnEmptyHistory(t *testing.T) {
	// Act.
	history := ApplyAssistant(nil, "hi")

	// Assert.
	require.Len(t, history, 1)
	assert.Equal(t, RoleAssistant, history[0].Role)
}

func TestAppendUserDoesNotAlias(t *testing.T) {
	// Arrange a backing array with spare capacity.
	base := make(History, 1, 4)
	base[0] = Turn{Role: RoleUser, Content: "one"}

	// Act.
	left := AppendUser(base, "left")
	right := AppendUser(base, "right")

	// Assert.
	assert.Equal(t, "left", left[1].Content)
	assert.Equal(t, "right", right[1].Content)
}

func TestLastAssistant(t *testing.T) {
	history := History{{Role: RoleUser, Content: "q"}}
	_, ok := history.LastAssistant()
	assert.False(t, ok)

	history = ApplyAssistant(history, "a")
	turn, ok := history.LastAssistant()
	require.True(t, ok)
	assert.Equal(t, "a", turn.Content)
}

func TestWithSystem(t *testing.T) {
	// Arrange.
	history := History{{Role: RoleUser, Content: "hello"}}

	// Act.
	withPrompt := history.WithSystem("be kind")
	again := withPrompt.WithSystem("other")

	// Assert.
	require.Len(t, withPrompt, 2)
	assert.Equal(t, Turn{Role: RoleSystem, Content: "be kind"}, withPrompt[0])
	assert.Equal(t, withPrompt, again)
	assert.Equal(t, history, withPrompt.WithoutSystem())
	assert.Equal(t, history, history.WithSystem(""))
}
