// Package syncer reconciles the authoritative remote session with the local
// durable mirror. It is the only writer of session lifecycle state and the
// only component that decides what a half-failed operation means.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/qmuntal/stateless"

	"github.com/haven-chat/haven-go/internal/logger"
	"github.com/haven-chat/haven-go/internal/remote"
	"github.com/haven-chat/haven-go/internal/store"
)

// FSM states of one session as observed by this client. Ready is the only
// state from which a new send may start.
type State stateless.State

var (
	StateUninitialized State = "Uninitialized"
	StateCreating      State = "Creating"
	StateReady         State = "Ready"
	StateSending       State = "Sending"
	StateDeleting      State = "Deleting"
	StateGone          State = "Gone"
)

// FSM triggers.
type Trigger stateless.Trigger

var (
	TriggerCreate       Trigger = "Create"
	TriggerCreated      Trigger = "Created"
	TriggerCreateFailed Trigger = "CreateFailed"
	TriggerResumed      Trigger = "Resumed"
	TriggerSend         Trigger = "Send"
	TriggerSendSettled  Trigger = "SendSettled"
	TriggerDelete       Trigger = "Delete"
	TriggerDeleteFailed Trigger = "DeleteFailed"
	TriggerDeleted      Trigger = "Deleted"
)

var (
	// ErrMessageTooLong is returned before anything is persisted when the
	// user message exceeds the configured length limit.
	ErrMessageTooLong = errors.New("syncer: message exceeds length limit")

	// ErrSessionGone is returned when operating on a session that was deleted.
	ErrSessionGone = errors.New("syncer: session has been deleted")
)

// RemoteClient is the slice of the agent server API the coordinator needs.
type RemoteClient interface {
	CreateSession(ctx context.Context, userID, sessionID string, state map[string]any) (string, error)
	Run(ctx context.Context, sessionID, userID, text string) (remote.Reply, error)
}

// Options tune a Coordinator.
type Options struct {
	// MaxMessageLength rejects over-long user messages before any write.
	// Zero disables the check.
	MaxMessageLength int
}

// Coordinator mediates between the remote client and the local store.
type Coordinator struct {
	remote RemoteClient
	store  *store.Store
	opts   Options

	mu       sync.Mutex
	sessions map[string]*session
}

// session tracks one conversation's lifecycle. Its mutex serializes sends:
// a second PostMessage for the same session queues behind the first rather
// than being rejected, because the remote agent's state is order-sensitive.
type session struct {
	mu  sync.Mutex
	fsm *stateless.StateMachine
}

func newSessionFSM() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateUninitialized)
	fsm.Configure(StateUninitialized).
		Permit(TriggerCreate, StateCreating).
		Permit(TriggerResumed, StateReady)
	fsm.Configure(StateCreating).
		Permit(TriggerCreated, StateReady).
		Permit(TriggerCreateFailed, StateUninitialized)
	fsm.Configure(StateReady).
		Permit(TriggerSend, StateSending).
		Permit(TriggerDelete, StateDeleting)
	fsm.Configure(StateSending).
		Permit(TriggerSendSettled, StateReady)
	fsm.Configure(StateDeleting).
		Permit(TriggerDeleted, StateGone).
		Permit(TriggerDeleteFailed, StateReady)
	return fsm
}

// New builds a Coordinator around its two collaborators.
func New(remoteClient RemoteClient, localStore *store.Store, opts Options) *Coordinator {
	return &Coordinator{
		remote:   remoteClient,
		store:    localStore,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

func (c *Coordinator) handle(sessionID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.sessions[sessionID]
	if !ok {
		h = &session{fsm: newSessionFSM()}
		c.sessions[sessionID] = h
	}
	return h
}

func (c *Coordinator) dropHandle(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// ensureReady moves a freshly tracked session into Ready. A session already
// cached in the store is Ready by definition; only the in-memory FSM, which
// does not survive restarts, needs catching up.
func (h *session) ensureReady() error {
	if h.fsm.MustState() == stateless.State(StateUninitialized) {
		return h.fsm.Fire(stateless.Trigger(TriggerResumed))
	}
	return nil
}

func (h *session) fire(t Trigger) error {
	return h.fsm.Fire(stateless.Trigger(t))
}

// sessionExists reports whether the agent server refused a create because the
// id is already registered. Servers answer this with 409 or, in some
// deployments, a generic 400.
func sessionExists(err error) bool {
	var rejected *remote.RejectedError
	return errors.As(err, &rejected) &&
		(rejected.Status == http.StatusConflict || rejected.Status == http.StatusBadRequest)
}

// StartOrResume returns the cached session for sessionID when one exists,
// without contacting the agent server. Otherwise it creates the session
// remotely and mirrors it locally.
//
// Remote-success-then-local-failure is deliberately non-fatal: the session is
// reported as created but not cached, and the next resume with the same id
// rebuilds the local mirror lazily.
func (c *Coordinator) StartOrResume(ctx context.Context, userID, sessionID string, state map[string]any) (*store.Session, error) {
	if sessionID != "" {
		existing, err := c.store.GetSessionByRemoteID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			h := c.handle(sessionID)
			h.mu.Lock()
			defer h.mu.Unlock()
			if err := h.ensureReady(); err != nil {
				return nil, err
			}
			return existing, nil
		}
	}

	remoteID, err := c.remote.CreateSession(ctx, userID, sessionID, state)
	switch {
	case err == nil:
	case sessionID != "" && sessionExists(err):
		// The session already lives on the agent server but the local mirror
		// is missing, usually after a create that persisted remotely and
		// failed locally. Rebuild the mirror and resume.
		logger.L.Info("rebuilding local mirror for existing remote session", "session", sessionID)
		remoteID = sessionID
	default:
		return nil, fmt.Errorf("start session: %w", err)
	}

	h := c.handle(remoteID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fire(TriggerCreate); err != nil {
		return nil, err
	}

	created, err := c.store.CreateSession(ctx, store.Session{
		RemoteSessionID: remoteID,
		UserID:          userID,
		RemoteState:     state,
	})
	switch {
	case err == nil:
		if err := h.fire(TriggerCreated); err != nil {
			return nil, err
		}
		return &created, nil
	case errors.Is(err, store.ErrDuplicateSession):
		// Raced with another creator for the same id; the cached record wins.
		existing, getErr := c.store.GetSessionByRemoteID(ctx, remoteID)
		if getErr != nil || existing == nil {
			_ = h.fire(TriggerCreateFailed)
			return nil, err
		}
		if err := h.fire(TriggerCreated); err != nil {
			return nil, err
		}
		return existing, nil
	default:
		// Remote session exists; report it created but uncached. No rollback
		// against the remote: sessions are cheap and idempotent to re-resume.
		logger.L.Warn("session created remotely but not cached locally",
			"session", remoteID, "error", err)
		if err := h.fire(TriggerCreated); err != nil {
			return nil, err
		}
		uncached := store.Session{
			RemoteSessionID: remoteID,
			UserID:          userID,
			CreatedAt:       time.Now(),
			RemoteState:     state,
		}
		return &uncached, nil
	}
}

// PostMessage persists the user's message optimistically, submits it to the
// agent, and mirrors the assistant's reply. On remote failure the user
// message stays in the transcript tagged unconfirmed, the error is returned,
// and the session goes back to Ready so the caller may retry immediately.
func (c *Coordinator) PostMessage(ctx context.Context, sessionID, userID, text string) (store.Message, error) {
	if c.opts.MaxMessageLength > 0 && utf8.RuneCountInString(text) > c.opts.MaxMessageLength {
		return store.Message{}, ErrMessageTooLong
	}

	h := c.handle(sessionID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureReady(); err != nil {
		return store.Message{}, ErrSessionGone
	}
	if err := h.fire(TriggerSend); err != nil {
		return store.Message{}, ErrSessionGone
	}
	defer func() {
		if err := h.fire(TriggerSendSettled); err != nil {
			logger.L.Error("session state machine stuck after send", "session", sessionID, "error", err)
		}
	}()

	userMsg, err := c.store.AppendMessage(ctx, store.Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   text,
		Status:    store.StatusPending,
		Timestamp: time.Now(),
	})
	if err != nil {
		return store.Message{}, err
	}

	reply, err := c.remote.Run(ctx, sessionID, userID, text)
	if err != nil {
		// The user's words are not lost: the optimistic write stays visible,
		// marked undelivered, and the next send attempt is allowed.
		if tagErr := c.store.SetMessageStatus(ctx, userMsg.ID, store.StatusUnconfirmed); tagErr != nil {
			logger.L.Error("failed to tag undelivered message", "message", userMsg.ID, "error", tagErr)
		}
		return store.Message{}, fmt.Errorf("post message: %w", err)
	}

	if err := c.store.SetMessageStatus(ctx, userMsg.ID, store.StatusConfirmed); err != nil {
		logger.L.Warn("failed to confirm delivered message", "message", userMsg.ID, "error", err)
	}

	assistantMsg, err := c.store.AppendMessage(ctx, store.Message{
		SessionID: sessionID,
		Role:      "assistant",
		Content:   reply.Content,
		Status:    store.StatusConfirmed,
		Timestamp: reply.Timestamp,
	})
	if err != nil {
		// The reply arrived; losing its local mirror is not worth failing the
		// exchange over. Hand the caller the in-memory copy.
		logger.L.Warn("assistant reply not cached locally", "session", sessionID, "error", err)
		return store.Message{
			SessionID: sessionID,
			Role:      "assistant",
			Content:   reply.Content,
			Status:    store.StatusConfirmed,
			Timestamp: reply.Timestamp,
		}, nil
	}
	return assistantMsg, nil
}

// Delete removes the session and its messages from the local cache. The
// local cache is the source of truth for what the user sees, so local
// deletion is authoritative; the agent server expires abandoned sessions on
// its own and its protocol exposes no delete endpoint. Deleting an id with
// no cached record returns store.ErrSessionNotFound.
func (c *Coordinator) Delete(ctx context.Context, sessionID string) error {
	h := c.handle(sessionID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureReady(); err != nil {
		return ErrSessionGone
	}
	if err := h.fire(TriggerDelete); err != nil {
		return ErrSessionGone
	}

	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		_ = h.fire(TriggerDeleteFailed)
		return err
	}
	if err := h.fire(TriggerDeleted); err != nil {
		return err
	}
	c.dropHandle(sessionID)
	return nil
}

// SessionState reports the lifecycle state the coordinator currently tracks
// for sessionID. Untracked sessions are Uninitialized.
func (c *Coordinator) SessionState(sessionID string) State {
	c.mu.Lock()
	h, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return StateUninitialized
	}
	return State(h.fsm.MustState())
}
