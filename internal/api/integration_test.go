package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/artifacts"
	"github.com/dshills/codemechanic/internal/assistant"
	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/events"
	"github.com/dshills/codemechanic/internal/executor"
	"github.com/dshills/codemechanic/internal/export"
	"github.com/dshills/codemechanic/internal/llm"
	"github.com/dshills/codemechanic/internal/pipeline"
	"github.com/dshills/codemechanic/internal/repository/mock"
	"github.com/dshills/codemechanic/internal/validator"
	"github.com/dshills/codemechanic/internal/worker"
)

const todoPayload = `{"explanation":"Scaffold a todo app","operations":[` +
	`{"type":"create","filePath":"package.json","content":"{\"name\":\"todo\"}"},` +
	`{"type":"create","filePath":"src/App.tsx","content":"export default function App() { return null }"}]}`

type stack struct {
	srv    *httptest.Server
	repo   *mock.Repository
	exec   *executor.Engine
	hub    *events.Hub
	client *llm.MockClient
}

// setupIntegrationTest serves the full route table with in-memory dependencies.
func setupIntegrationTest(t *testing.T, llmResponse string) *stack {
	t.Helper()
	repo := mock.New()
	hub := events.NewHub(0)
	pool := worker.New(worker.Options{Concurrency: 4}, nil)

	v, err := validator.New()
	require.NoError(t, err)
	exec := executor.New(repo, v, executor.Options{Events: hub})
	client := llm.NewMockClient(llmResponse)
	svc := assistant.NewService(repo, &llm.MockFactory{Client: client}, exec, assistant.Options{Pool: pool})
	store := artifacts.NewMemoryStore()
	runner := pipeline.New(repo, store, pool, pipeline.Options{Events: hub, DeployDomain: "example.test"})

	handler := NewHandler(Deps{
		Repo:      repo,
		Executor:  exec,
		Assistant: svc,
		Pipeline:  runner,
		Artifacts: store,
		Hub:       hub,
	})
	srv := httptest.NewServer(handler.Routes(CORSConfig{AllowedOrigins: "http://localhost:5173"}))
	t.Cleanup(func() {
		srv.Close()
		_ = pool.Shutdown(context.Background())
		hub.Close()
	})
	return &stack{srv: srv, repo: repo, exec: exec, hub: hub, client: client}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (s *stack) do(t *testing.T, method, path, body string, wantStatus int, out any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "%s %s: %s", method, path, data)
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
}

func (s *stack) createProject(t *testing.T, name string) uuid.UUID {
	t.Helper()
	var resp projectResponse
	s.do(t, http.MethodPost, "/projects", `{"name": "`+name+`", "framework": "react"}`, http.StatusCreated, &resp)
	return resp.Project.ID
}

func (s *stack) waitSession(t *testing.T, id uuid.UUID) *domain.ExecutionSession {
	t.Helper()
	var sess *domain.ExecutionSession
	require.Eventually(t, func() bool {
		var resp sessionResponse
		s.do(t, http.MethodGet, "/executions/"+id.String(), "", http.StatusOK, &resp)
		sess = resp.Session
		return sess.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return sess
}

func TestIntegration_GenerateFlow(t *testing.T) {
	s := setupIntegrationTest(t, "```json\n"+todoPayload+"\n```")
	projectID := s.createProject(t, "Todo App")
	base := "/projects/" + projectID.String()

	var accepted sessionResponse
	s.do(t, http.MethodPost, base+"/generate", `{"prompt": "Build a todo app"}`, http.StatusAccepted, &accepted)
	assert.Equal(t, domain.SessionStatusPending, accepted.Session.Status)

	sess := s.waitSession(t, accepted.Session.ID)
	require.Equal(t, domain.SessionStatusCompleted, sess.Status, sess.Error)
	assert.Equal(t, 2, sess.CompletedSteps)
	assert.Equal(t, "Scaffold a todo app", sess.Explanation)

	var files listFilesResponse
	s.do(t, http.MethodGet, base+"/files", "", http.StatusOK, &files)
	require.Len(t, files.Files, 2)
	assert.Equal(t, "package.json", files.Files[0].Path)

	var sessions listSessionsResponse
	s.do(t, http.MethodGet, base+"/executions", "", http.StatusOK, &sessions)
	require.Len(t, sessions.Sessions, 1)

	var usage struct {
		Calls     int                `json:"calls"`
		ByPurpose map[string]float64 `json:"by_purpose"`
	}
	s.do(t, http.MethodGet, "/billing/usage?project_id="+projectID.String(), "", http.StatusOK, &usage)
	assert.Equal(t, 1, usage.Calls)
	assert.Contains(t, usage.ByPurpose, assistant.PurposeGenerate)
}

func TestIntegration_GenerateBadOutputFailsSession(t *testing.T) {
	s := setupIntegrationTest(t, "I would rather describe it in words.")
	projectID := s.createProject(t, "Todo App")

	var accepted sessionResponse
	s.do(t, http.MethodPost, "/projects/"+projectID.String()+"/generate", `{"prompt": "Build a todo app"}`, http.StatusAccepted, &accepted)

	sess := s.waitSession(t, accepted.Session.ID)
	assert.Equal(t, domain.SessionStatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "no JSON object")

	var logs logsResponse
	s.do(t, http.MethodGet, "/executions/"+sess.ID.String()+"/logs", "", http.StatusOK, &logs)
	require.NotEmpty(t, logs.Logs)
	assert.Equal(t, domain.LogLevelError, logs.Logs[len(logs.Logs)-1].Level)
}

func TestIntegration_ChatExecute(t *testing.T) {
	s := setupIntegrationTest(t, "Here is the scaffold:\n"+todoPayload)
	projectID := s.createProject(t, "Todo App")

	var conv conversationResponse
	s.do(t, http.MethodPost, "/projects/"+projectID.String()+"/conversations", `{}`, http.StatusCreated, &conv)
	convPath := "/conversations/" + conv.Conversation.ID.String()

	var out assistant.ChatOutput
	s.do(t, http.MethodPost, convPath+"/messages", `{"content": "Scaffold a todo app please", "execute": true}`, http.StatusCreated, &out)
	require.NotNil(t, out.Session)
	require.NotNil(t, out.AssistantMessage.SessionID)
	assert.Equal(t, out.Session.ID, *out.AssistantMessage.SessionID)

	sess := s.waitSession(t, out.Session.ID)
	assert.Equal(t, domain.SessionStatusCompleted, sess.Status)

	var got conversationResponse
	s.do(t, http.MethodGet, convPath, "", http.StatusOK, &got)
	assert.Equal(t, "Scaffold a todo app please", got.Conversation.Title)
	assert.Len(t, got.Messages, 2)

	s.do(t, http.MethodPost, convPath+"/messages", `{"content": ""}`, http.StatusBadRequest, nil)
	s.do(t, http.MethodPost, "/conversations/"+uuid.NewString()+"/messages", `{"content": "hi"}`, http.StatusNotFound, nil)
}

func TestIntegration_BuildAndDeploy(t *testing.T) {
	s := setupIntegrationTest(t, "")
	projectID := s.createProject(t, "Todo App")
	base := "/projects/" + projectID.String()

	s.do(t, http.MethodPost, base+"/files", `{"path": "index.html", "content": "<html></html>"}`, http.StatusCreated, nil)

	var build buildResponse
	s.do(t, http.MethodPost, base+"/builds", "", http.StatusAccepted, &build)
	buildPath := "/builds/" + build.Build.ID.String()
	require.Eventually(t, func() bool {
		var resp buildResponse
		s.do(t, http.MethodGet, buildPath, "", http.StatusOK, &resp)
		return resp.Build.Status == domain.BuildStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(s.srv.URL + buildPath + "/artifact")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files, _, err := export.ReadArchive(data)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", files["index.html"])

	// Cancelling a finished build conflicts.
	s.do(t, http.MethodPost, buildPath+"/cancel", "", http.StatusConflict, nil)

	var env environmentResponse
	s.do(t, http.MethodPost, base+"/environments", `{"name": "staging", "variables": {"API_URL": "x"}}`, http.StatusCreated, &env)

	var dep deploymentResponse
	s.do(t, http.MethodPost, base+"/deployments",
		`{"build_id": "`+build.Build.ID.String()+`", "environment_id": "`+env.Environment.ID.String()+`"}`,
		http.StatusAccepted, &dep)
	require.Eventually(t, func() bool {
		var resp deploymentResponse
		s.do(t, http.MethodGet, "/deployments/"+dep.Deployment.ID.String(), "", http.StatusOK, &resp)
		dep = resp
		return resp.Deployment.Status == domain.DeploymentStatusLive
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(dep.Deployment.URL, "https://todo-app-"), dep.Deployment.URL)
	assert.Contains(t, dep.Deployment.Logs, "Provisioning staging environment")

	s.do(t, http.MethodPost, base+"/deployments", `{"build_id": "`+uuid.NewString()+`"}`, http.StatusNotFound, nil)
	s.do(t, http.MethodPost, base+"/deployments", `{}`, http.StatusBadRequest, nil)
}

// beginSession creates a pending session the test applies by hand.
func (s *stack) beginSession(t *testing.T, projectID uuid.UUID) (*domain.ExecutionSession, *domain.OperationPayload) {
	t.Helper()
	sess, err := s.exec.Begin(context.Background(), projectID, "scaffold", nil)
	require.NoError(t, err)
	payload, err := s.exec.Parse(todoPayload)
	require.NoError(t, err)
	return sess, payload
}

func TestIntegration_StreamSSE(t *testing.T) {
	s := setupIntegrationTest(t, "")
	projectID := s.createProject(t, "Todo App")
	sess, payload := s.beginSession(t, projectID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.srv.URL+"/executions/"+sess.ID.String()+"/stream", nil)
	require.NoError(t, err)

	body := make(chan string, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			body <- "error: " + err.Error()
			return
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body <- string(data)
	}()

	topic := events.SessionTopic(sess.ID)
	require.Eventually(t, func() bool { return s.hub.Subscribers(topic) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.exec.Apply(context.Background(), sess, payload))

	var stream string
	select {
	case stream = <-body:
	case <-ctx.Done():
		t.Fatal("stream did not end after the session completed")
	}
	assert.Contains(t, stream, "event: session\ndata: ")
	assert.Contains(t, stream, "event: log\ndata: ")
	assert.Contains(t, stream, "Execution completed: 2 operations applied")
	assert.Contains(t, stream, `"status":"completed"`)
	assert.True(t, strings.HasSuffix(stream, "event: close\ndata: {}\n\n"), stream)
	assert.Equal(t, 1, strings.Count(stream, "Starting execution"), "log delivered twice")
}

func TestIntegration_StreamFinishedSession(t *testing.T) {
	s := setupIntegrationTest(t, "")
	projectID := s.createProject(t, "Todo App")
	sess, payload := s.beginSession(t, projectID)
	require.NoError(t, s.exec.Apply(context.Background(), sess, payload))

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/executions/"+sess.ID.String()+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	stream := string(data)
	assert.NotContains(t, stream, "Starting execution", "log before Last-Event-ID replayed")
	assert.Contains(t, stream, "Execution completed")
	assert.Contains(t, stream, "event: close")
}

func TestIntegration_WebSocket(t *testing.T) {
	s := setupIntegrationTest(t, "")
	projectID := s.createProject(t, "Todo App")
	sess, payload := s.beginSession(t, projectID)

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/executions/" + sess.ID.String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first events.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, events.TypeSession, first.Type)

	require.NoError(t, s.exec.Apply(context.Background(), sess, payload))

	var types []string
	var last map[string]any
	for {
		var ev struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		err := conn.ReadJSON(&ev)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		types = append(types, ev.Type)
		last = ev.Data
	}
	assert.Contains(t, types, events.TypeLog)
	require.NotNil(t, last)
	assert.Equal(t, string(domain.SessionStatusCompleted), last["status"])
}

func TestIntegration_Middleware(t *testing.T) {
	s := setupIntegrationTest(t, "")

	t.Run("cors preflight", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, s.srv.URL+"/projects", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/health", nil)
		req.Header.Set("Origin", "https://evil.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("health", func(t *testing.T) {
		var health healthResponse
		s.do(t, http.MethodGet, "/health", "", http.StatusOK, &health)
		assert.Equal(t, "ok", health.Status)
		assert.True(t, health.LLM)
	})

	t.Run("metrics", func(t *testing.T) {
		s.do(t, http.MethodGet, "/projects", "", http.StatusOK, nil)
		resp, err := http.Get(s.srv.URL + "/metrics")
		require.NoError(t, err)
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Contains(t, string(data), `codemechanic_http_requests_total{method="GET",route="GET /projects",status="200"}`)
	})

	t.Run("unknown route", func(t *testing.T) {
		s.do(t, http.MethodGet, "/nope", "", http.StatusNotFound, nil)
	})

	t.Run("oversized body", func(t *testing.T) {
		big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
		resp, err := http.Post(s.srv.URL+"/projects", "application/json", bytes.NewReader(append(append([]byte(`{"name":"`), big...), '"', '}')))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
