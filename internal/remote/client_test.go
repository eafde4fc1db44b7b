package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	return New(Config{BaseURL: url, AppName: "root_agent"})
}

func TestNewSessionID_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^s_[0-9a-z]{26}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		require.Regexp(t, pattern, id)
		require.False(t, seen[id], "generated ids must not collide")
		seen[id] = true
	}
}

func TestCreateSession_GeneratesIDAndPostsState(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.CreateSession(context.Background(), "u1", "", map[string]any{"mood": "ok"})
	require.NoError(t, err)
	require.Regexp(t, `^s_[0-9a-z]{26}$`, id)
	require.Equal(t, "/apps/root_agent/users/u1/sessions/"+id, gotPath)
	require.Equal(t, map[string]any{"state": map[string]any{"mood": "ok"}}, gotBody)
}

func TestCreateSession_KeepsCallerID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	id, err := newTestClient(srv.URL).CreateSession(context.Background(), "u1", "s_fixed", nil)
	require.NoError(t, err)
	require.Equal(t, "s_fixed", id)
}

func TestRun_ExtractsLastTurnWithText(t *testing.T) {
	// The first turn has text, the last has only a tool call: the scan runs
	// back to front, skips the tool-only turn, and lands on "A".
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/run", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "root_agent", body["appName"])
		require.Equal(t, "s_1", body["sessionId"])
		w.Write([]byte(`[
			{"content":{"parts":[{"text":"A"}]}},
			{"content":{"parts":[{"tool":"x"}]}}
		]`))
	}))
	defer srv.Close()

	reply, err := newTestClient(srv.URL).Run(context.Background(), "s_1", "u1", "hi")
	require.NoError(t, err)
	require.Equal(t, "A", reply.Content)
}

func TestRun_Placeholders(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"non-array body", `{"detail":"weird"}`, NoResponsePlaceholder},
		{"empty array", `[]`, NoResponsePlaceholder},
		{"turns without text", `[{"content":{"parts":[{"tool":"x"}]}}]`, NoTextPlaceholder},
		{"malformed turn", `[{"content":"not-an-object"}]`, NoTextPlaceholder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			reply, err := newTestClient(srv.URL).Run(context.Background(), "s_1", "u1", "hi")
			require.NoError(t, err)
			require.Equal(t, tc.want, reply.Content)
		})
	}
}

func TestRun_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Run(context.Background(), "s_1", "u1", "hi")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusNotFound, rejected.Status)
}

func TestRun_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := newTestClient(srv.URL).Run(context.Background(), "s_1", "u1", "hi")
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestStateRoundTrip(t *testing.T) {
	var stored map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			var body struct {
				State map[string]any `json:"state"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			stored = body.State
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"state": stored})
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()
	require.NoError(t, c.SetState(ctx, "s_1", "u1", map[string]any{"topic": "sleep"}))

	state, err := c.State(ctx, "s_1", "u1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"topic": "sleep"}, state)
}

func TestMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/apps/root_agent/users/u1/sessions/s_1/messages", r.URL.Path)
		w.Write([]byte(`{"messages":[{"id":"m1","role":"user","content":"hi"},{"id":"m2","role":"assistant","content":"hello"}]}`))
	}))
	defer srv.Close()

	msgs, err := newTestClient(srv.URL).Messages(context.Background(), "s_1", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "assistant", msgs[1].Role)
}

func TestServerInfo_BestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"dev agent"}`))
	}))
	info := newTestClient(srv.URL).ServerInfo(context.Background())
	require.Equal(t, "dev agent", info["name"])
	srv.Close()

	// Failure is swallowed and reported as absent, never as an error.
	require.Nil(t, newTestClient(srv.URL).ServerInfo(context.Background()))
}
