package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/internal/eventbus"
	"github.com/opensourceagent/osa/internal/planner"
	"github.com/opensourceagent/osa/internal/sessionregistry"
	"github.com/opensourceagent/osa/internal/swarm"
	"github.com/opensourceagent/osa/pkg/models"
)

type fakeWorker struct {
	reply any
	err   error
}

func (w *fakeWorker) ProcessMessage(ctx context.Context, text string) (any, error) {
	return w.reply, w.err
}
func (w *fakeWorker) Cancel() {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	factory := func(sessionID, userID string, channel models.ChannelID, history []*models.Message) (sessionregistry.Worker, error) {
		return &fakeWorker{reply: map[string]any{"output": "ok", "session_id": sessionID}}, nil
	}
	registry := sessionregistry.New(nil, factory, nil)
	bus := eventbus.New(16)

	orch := swarm.New(swarm.Deps{
		Planner: planner.New(nil, nil),
		Bus:     bus,
		Logger:  nil,
	}, swarm.Config{})

	return New(Deps{
		Sessions: registry,
		Bus:      bus,
		Swarm:    orch,
		Version:  "test",
	})
}

func TestHandleHealthReportsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
}

func TestHandleClassifyRequiresMessage(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/classify", jsonBody(t, map[string]any{}))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleClassifyReturnsSignal(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/classify", jsonBody(t, map[string]any{"message": "please build the login flow"}))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body classifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, models.ModeBuild, body.Signal.Mode)
}

func TestHandleOrchestrateRequiresInput(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/orchestrate", jsonBody(t, map[string]any{}))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOrchestrateRunsSessionLoop(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/orchestrate", jsonBody(t, map[string]any{"input": "hello"}))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSwarmLaunchRejectsInvalidPattern(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/swarm/launch", jsonBody(t, map[string]any{"task": "ship it", "pattern": "not-a-pattern"}))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "validation", body["error"])
	require.NotEmpty(t, body["details"])
}

func TestHandleSwarmStatusUnknownID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/swarm/status/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSessionCreateAndGet(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest(http.MethodPost, "/sessions", jsonBody(t, map[string]any{}))
	createRec := httptest.NewRecorder()
	s.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusOK, createRec.Code)

	var created models.Session
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	getReq := httptest.NewRequest(http.MethodGet, "/sessions/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}
