package messages_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/messages"
	"github.com/coordhub/hub/pkg/store"
)

func newBus(t *testing.T) *messages.Bus {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return messages.New(st, 1024)
}

func TestSendRejectsOversizedContent(t *testing.T) {
	bus := newBus(t)
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'a'
	}
	_, err := bus.Send(context.Background(), messages.SendInput{From: "w1", Content: string(big)})
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeContentTooLong, herr.Code)
}

func TestReadVisibilityDirectAndBroadcast(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	_, err := bus.Send(ctx, messages.SendInput{From: "w1", To: "w2", Content: "hi w2"})
	require.NoError(t, err)
	_, err = bus.Send(ctx, messages.SendInput{From: "w1", Content: "broadcast"})
	require.NoError(t, err)
	_, err = bus.Send(ctx, messages.SendInput{From: "w1", To: "w3", Content: "hi w3"})
	require.NoError(t, err)

	msgs, err := bus.Read(ctx, "w2", messages.ReadFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		require.NotEqual(t, "hi w3", m.Content)
	}
}

func TestReadMarksAndUnreadFilter(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	sent, err := bus.Send(ctx, messages.SendInput{From: "w1", To: "w2", Content: "hi"})
	require.NoError(t, err)

	unread, err := bus.Read(ctx, "w2", messages.ReadFilter{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.False(t, unread[0].Read)

	require.NoError(t, bus.MarkRead(ctx, "w2", sent.ID))

	unread, err = bus.Read(ctx, "w2", messages.ReadFilter{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 0)
}

func TestGetForAgentRejectsNotVisible(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()
	sent, err := bus.Send(ctx, messages.SendInput{From: "w1", To: "w3", Content: "private"})
	require.NoError(t, err)

	_, err = bus.GetForAgent(ctx, "w2", sent.ID)
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeMessageNotFoundOrForbidden, herr.Code)

	got, err := bus.GetForAgent(ctx, "w3", sent.ID)
	require.NoError(t, err)
	require.True(t, got.Read)
}
