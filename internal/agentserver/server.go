// Package agentserver is a development stand-in for a deployed agent server.
// It exposes the same HTTP surface the client consumes and answers /run
// through an OpenAI-compatible LLM, so the full client stack can be exercised
// without external infrastructure.
package agentserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/haven-chat/haven-go/internal/llm"
	"github.com/haven-chat/haven-go/internal/logger"
)

const defaultSystemPrompt = "You are a supportive, plain-spoken companion. " +
	"Keep replies short and gentle, listen more than you explain, and when " +
	"someone appears to be in crisis, point them toward professional help."

// Server holds in-memory agent sessions. State is lost on restart, which is
// acceptable for a dev server; the client's local cache carries the history.
type Server struct {
	llm    llm.Client
	model  string
	prompt string

	mu       sync.Mutex
	sessions map[string]*agentSession
}

type agentSession struct {
	state    map[string]any
	history  []openai.ChatCompletionMessage
	messages []wireMessage
}

type wireMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds a dev agent server answering through the given LLM client.
func New(client llm.Client, model string) *Server {
	return &Server{
		llm:      client,
		model:    model,
		prompt:   defaultSystemPrompt,
		sessions: make(map[string]*agentSession),
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// Handler returns the HTTP surface of the agent server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /apps/{app}/users/{user}/sessions/{id}", s.createSession)
	mux.HandleFunc("GET /apps/{app}/users/{user}/sessions/{id}", s.getSession)
	mux.HandleFunc("PUT /apps/{app}/users/{user}/sessions/{id}", s.putState)
	mux.HandleFunc("GET /apps/{app}/users/{user}/sessions/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /run", s.run)
	mux.HandleFunc("GET /info", s.info)
	return mux
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State map[string]any `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.State == nil {
		body.State = map[string]any{}
	}

	key := sessionKey(r.PathValue("user"), r.PathValue("id"))
	s.mu.Lock()
	if _, exists := s.sessions[key]; exists {
		s.mu.Unlock()
		http.Error(w, "session already exists", http.StatusConflict)
		return
	}
	s.sessions[key] = &agentSession{state: body.State}
	s.mu.Unlock()

	logger.L.Info("agent session created", "session", r.PathValue("id"), "user", r.PathValue("user"))
	writeJSON(w, map[string]any{"id": r.PathValue("id"), "state": body.State})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r.PathValue("user"), r.PathValue("id"))
	s.mu.Lock()
	sess, ok := s.sessions[key]
	var state map[string]any
	if ok {
		state = sess.state
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"id": r.PathValue("id"), "state": state})
}

func (s *Server) putState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State map[string]any `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	key := sessionKey(r.PathValue("user"), r.PathValue("id"))
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		sess.state = body.State
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r.PathValue("user"), r.PathValue("id"))
	s.mu.Lock()
	sess, ok := s.sessions[key]
	var msgs []wireMessage
	if ok {
		msgs = append(msgs, sess.messages...)
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"messages": msgs})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AppName    string `json:"appName"`
		UserID     string `json:"userId"`
		SessionID  string `json:"sessionId"`
		NewMessage struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"newMessage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	var text string
	for _, part := range body.NewMessage.Parts {
		if part.Text != "" {
			text = part.Text
			break
		}
	}
	if text == "" {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	key := sessionKey(body.UserID, body.SessionID)
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(sess.history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: s.prompt,
	})
	messages = append(messages, sess.history...)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
	s.mu.Unlock()

	resp, err := s.llm.CreateChatCompletion(r.Context(), openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		logger.L.Error("llm call failed", "session", body.SessionID, "error", err)
		http.Error(w, "agent backend failed", http.StatusBadGateway)
		return
	}
	if len(resp.Choices) == 0 {
		http.Error(w, "agent backend returned no choices", http.StatusBadGateway)
		return
	}
	replyText := resp.Choices[0].Message.Content

	now := time.Now()
	s.mu.Lock()
	sess.history = append(sess.history,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: replyText},
	)
	sess.messages = append(sess.messages,
		wireMessage{ID: uuid.NewString(), Role: "user", Content: text, Timestamp: now},
		wireMessage{ID: uuid.NewString(), Role: "assistant", Content: replyText, Timestamp: now},
	)
	s.mu.Unlock()

	// The response mirrors the agent protocol's turn sequence: each turn has
	// content parts that may or may not carry text.
	writeJSON(w, []map[string]any{
		{
			"id": uuid.NewString(),
			"content": map[string]any{
				"parts": []map[string]any{{"text": replyText}},
			},
		},
	})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"name":  "haven dev agent",
		"model": s.model,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("response encode failed", "error", err)
	}
}
