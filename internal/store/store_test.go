package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "haven-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateSession_DuplicateRemoteID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, Session{RemoteSessionID: "s_abc", UserID: "u1"})
	require.NoError(t, err)
	require.NotZero(t, created.LocalID)
	require.Zero(t, created.MessageCount)
	require.False(t, created.CreatedAt.IsZero())

	_, err = s.CreateSession(ctx, Session{RemoteSessionID: "s_abc", UserID: "u2"})
	require.ErrorIs(t, err, ErrDuplicateSession)
}

func TestGetSessionByRemoteID_Absent(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.GetSessionByRemoteID(context.Background(), "s_nope")
	require.NoError(t, err)
	require.Nil(t, sess)
}

// Derived fields must always match the message records themselves.
func TestAppendMessage_DerivedFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, Session{RemoteSessionID: "s_1", UserID: "u1"})
	require.NoError(t, err)

	base := time.Now().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		_, err := s.AppendMessage(ctx, Message{
			SessionID: "s_1",
			Role:      "user",
			Content:   "hello",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	sess, err := s.GetSessionByRemoteID(ctx, "s_1")
	require.NoError(t, err)
	msgs, err := s.ListMessages(ctx, "s_1")
	require.NoError(t, err)

	require.EqualValues(t, len(msgs), sess.MessageCount)
	require.Equal(t, base.Add(4*time.Second).UnixMilli(), sess.LastMessageAt.UnixMilli())
}

// An append carrying an older timestamp must not regress the session's
// last-activity time: it stays the max across the transcript.
func TestAppendMessage_OlderTimestampKeepsLastMessageAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, Session{RemoteSessionID: "s_1", UserID: "u1"})
	require.NoError(t, err)

	newest := time.Now().Truncate(time.Millisecond)
	_, err = s.AppendMessage(ctx, Message{SessionID: "s_1", Role: "user", Content: "now", Timestamp: newest})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, Message{SessionID: "s_1", Role: "assistant", Content: "earlier", Timestamp: newest.Add(-time.Hour)})
	require.NoError(t, err)

	sess, err := s.GetSessionByRemoteID(ctx, "s_1")
	require.NoError(t, err)
	require.EqualValues(t, 2, sess.MessageCount)
	require.Equal(t, newest.UnixMilli(), sess.LastMessageAt.UnixMilli())
}

func TestAppendMessage_Orphan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, Message{SessionID: "s_ghost", Role: "user", Content: "hi"})
	require.ErrorIs(t, err, ErrOrphanMessage)

	msgs, err := s.ListMessages(ctx, "s_ghost")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestAppendMessage_TitlesSessionFromFirstUserMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, Session{RemoteSessionID: "s_1", UserID: "u1"})
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, Message{SessionID: "s_1", Role: "user", Content: "I had a rough week\nand need to talk"})
	require.NoError(t, err)

	sess, err := s.GetSessionByRemoteID(ctx, "s_1")
	require.NoError(t, err)
	require.Equal(t, "I had a rough week and need to talk", sess.DisplayName)

	// A later message must not retitle the session.
	_, err = s.AppendMessage(ctx, Message{SessionID: "s_1", Role: "user", Content: "something else"})
	require.NoError(t, err)
	sess, err = s.GetSessionByRemoteID(ctx, "s_1")
	require.NoError(t, err)
	require.Equal(t, "I had a rough week and need to talk", sess.DisplayName)
}

func TestListMessages_TimestampTiesKeepInsertionOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, Session{RemoteSessionID: "s_1", UserID: "u1"})
	require.NoError(t, err)

	ts := time.Now()
	for _, content := range []string{"first", "second", "third"} {
		_, err := s.AppendMessage(ctx, Message{SessionID: "s_1", Role: "user", Content: content, Timestamp: ts})
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, "s_1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)
	require.Equal(t, "third", msgs[2].Content)
}

func TestListSessions_Ordering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"s_a", "s_b", "s_empty"} {
		_, err := s.CreateSession(ctx, Session{RemoteSessionID: id, UserID: "u1"})
		require.NoError(t, err)
	}

	now := time.Now()
	_, err := s.AppendMessage(ctx, Message{SessionID: "s_a", Role: "user", Content: "older", Timestamp: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, Message{SessionID: "s_b", Role: "user", Content: "newer", Timestamp: now})
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	require.Equal(t, "s_b", sessions[0].RemoteSessionID)
	require.Equal(t, "s_a", sessions[1].RemoteSessionID)
	require.Equal(t, "s_empty", sessions[2].RemoteSessionID, "sessions with no messages sort last")

	// Stable across repeated calls with no intervening writes.
	again, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, sessions, again)
}

func TestDeleteSession_CascadesAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, Session{RemoteSessionID: "s_1", UserID: "u1"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, Message{SessionID: "s_1", Role: "user", Content: "m"})
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteSession(ctx, "s_1"))

	sess, err := s.GetSessionByRemoteID(ctx, "s_1")
	require.NoError(t, err)
	require.Nil(t, sess)

	msgs, err := s.ListMessages(ctx, "s_1")
	require.NoError(t, err)
	require.Empty(t, msgs)

	require.ErrorIs(t, s.DeleteSession(ctx, "s_1"), ErrSessionNotFound)
}

func TestUpdateSession_Partial(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, Session{RemoteSessionID: "s_1", UserID: "u1", DisplayName: "old"})
	require.NoError(t, err)

	name := "renamed"
	require.NoError(t, s.UpdateSession(ctx, "s_1", SessionUpdate{DisplayName: &name}))

	sess, err := s.GetSessionByRemoteID(ctx, "s_1")
	require.NoError(t, err)
	require.Equal(t, "renamed", sess.DisplayName)
	require.Equal(t, "u1", sess.UserID, "untouched field must survive a partial update")

	require.ErrorIs(t,
		s.UpdateSession(ctx, "s_missing", SessionUpdate{DisplayName: &name}),
		ErrSessionNotFound)
}

func TestUpdateSession_RemoteStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, Session{RemoteSessionID: "s_1", UserID: "u1"})
	require.NoError(t, err)

	state := map[string]any{"mood": "calm", "visits": float64(3)}
	require.NoError(t, s.UpdateSession(ctx, "s_1", SessionUpdate{RemoteState: state}))

	sess, err := s.GetSessionByRemoteID(ctx, "s_1")
	require.NoError(t, err)
	require.Equal(t, state, sess.RemoteState)
}

func TestSetMessageStatus_LeavesDerivedFieldsAlone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, Session{RemoteSessionID: "s_1", UserID: "u1"})
	require.NoError(t, err)

	msg, err := s.AppendMessage(ctx, Message{SessionID: "s_1", Role: "user", Content: "hi", Status: StatusPending})
	require.NoError(t, err)

	before, err := s.GetSessionByRemoteID(ctx, "s_1")
	require.NoError(t, err)

	require.NoError(t, s.SetMessageStatus(ctx, msg.ID, StatusUnconfirmed))

	after, err := s.GetSessionByRemoteID(ctx, "s_1")
	require.NoError(t, err)
	require.Equal(t, before.MessageCount, after.MessageCount)
	require.Equal(t, before.LastMessageAt, after.LastMessageAt)

	msgs, err := s.ListMessages(ctx, "s_1")
	require.NoError(t, err)
	require.Equal(t, StatusUnconfirmed, msgs[0].Status)

	require.ErrorIs(t, s.SetMessageStatus(ctx, "no-such-id", StatusConfirmed), ErrMessageNotFound)
}
