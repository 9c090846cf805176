package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "LeanChat/internal/errors"
	"LeanChat/internal/history"
	"LeanChat/internal/llm"
	"LeanChat/internal/session"
)

func TestRunnerChatsWithinSession(t *testing.T) {
	sessions, err := session.NewManager(session.Config{DefaultSystem: "S", DefaultMaxHistory: 2})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = sessions.Open(ctx, "s1", session.OpenOptions{})
	require.NoError(t, err)

	client := &stubLLM{resp: &llm.Response{Content: "ok"}}
	runner := NewRunner(sessions, client, WithModel("m"))

	for _, text := range []string{"u1", "u2"} {
		_, err := runner.Chat(ctx, "s1", text)
		require.NoError(t, err)
	}

	snap, err := sessions.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []history.Turn{history.System("S"), history.User("u2"), history.Assistant("ok")}, snap)
	assert.Equal(t, "m", client.requests[1].Model)
}

func TestRunnerUnknownSession(t *testing.T) {
	sessions, err := session.NewManager(session.DefaultConfig())
	require.NoError(t, err)

	_, err = NewRunner(sessions, &stubLLM{}).Chat(context.Background(), "ghost", "hi")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}
