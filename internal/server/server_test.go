package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"codemap/internal/checkpoint"
	"codemap/internal/events"
	"codemap/internal/llm"
	"codemap/internal/pipeline"
	"codemap/internal/prompt"
	"codemap/internal/tools"
)

// blockingSession parks every Open until the context is cancelled.
type blockingSession struct{}

func (blockingSession) Name() string { return "blocking" }
func (blockingSession) Close() error { return nil }
func (blockingSession) Open(ctx context.Context, _ llm.OpenRequest) (llm.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestServer(t *testing.T, session llm.Session) *Server {
	t.Helper()
	ckpts, err := checkpoint.New(t.TempDir())
	require.NoError(t, err)
	factory := func(em events.Emitter) (*pipeline.Driver, error) {
		return pipeline.New(pipeline.Options{
			Session: session,
			Tools:   tools.NewRegistry(),
			Prompts: prompt.NewDefaultProvider(),
			Emitter: em,
		})
	}
	return New(factory, ckpts, nil, nil)
}

func startRun(t *testing.T, ts *httptest.Server, query string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"query": query})
	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.RunID)
	return out.RunID
}

func getInfo(t *testing.T, ts *httptest.Server, id string) RunInfo {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/runs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	var info RunInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	return info
}

func waitStatus(t *testing.T, ts *httptest.Server, id string, want Status) RunInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info := getInfo(t, ts, id)
		if info.Status == want {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", id, want)
	return RunInfo{}
}

func TestStartRunFailsWithoutToolUse(t *testing.T) {
	// A session that only produces prose trips the research tool-use gate.
	session := llm.NewFakeSession(
		llm.TextRound("guess 1"), llm.TextRound("guess 2"),
		llm.TextRound("guess 3"), llm.TextRound("guess 4"),
	)
	ts := httptest.NewServer(newTestServer(t, session).Handler())
	defer ts.Close()

	id := startRun(t, ts, "trace auth flow")
	info := waitStatus(t, ts, id, StatusFailed)
	require.Contains(t, info.Error, "without any tool use")
}

func TestCancelRun(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, blockingSession{}).Handler())
	defer ts.Close()

	id := startRun(t, ts, "trace auth flow")
	resp, err := http.Post(ts.URL+"/v1/runs/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	waitStatus(t, ts, id, StatusCancelled)
}

func TestUnknownRun(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, blockingSession{}).Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/v1/runs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRejectsEmptyQuery(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, blockingSession{}).Handler())
	defer ts.Close()
	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader(`{"query":"  "}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsWebsocketReplaysHistory(t *testing.T) {
	session := llm.NewFakeSession(
		llm.TextRound("guess 1"), llm.TextRound("guess 2"),
		llm.TextRound("guess 3"), llm.TextRound("guess 4"),
	)
	ts := httptest.NewServer(newTestServer(t, session).Handler())
	defer ts.Close()

	id := startRun(t, ts, "trace auth flow")
	waitStatus(t, ts, id, StatusFailed)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/" + id + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, events.TypePhaseChange, ev.Type)
	require.Equal(t, "research", ev.Phase)
}

func TestRunEmitterFansOutToSubscribers(t *testing.T) {
	run := newRun("r1", "q", nil)
	sub, unsub := run.Subscribe()
	defer unsub()

	run.Emit(events.Event{Type: events.TypeLog, Message: "hello"})
	select {
	case ev := <-sub:
		require.Equal(t, "hello", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
}
