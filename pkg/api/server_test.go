package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"zkelect/pkg/api"
	"zkelect/pkg/coordination/memory"
	"zkelect/pkg/election"
	"zkelect/pkg/events"
	"zkelect/pkg/models"
	"zkelect/pkg/watch"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeElector struct {
	status     election.Leadership
	candidates []string
	err        error
	connected  bool
}

func (f *fakeElector) Status() election.Leadership { return f.status }
func (f *fakeElector) Namespace() string            { return "/election" }
func (f *fakeElector) Connected() bool              { return f.connected }
func (f *fakeElector) Candidates(context.Context) ([]string, error) {
	return f.candidates, f.err
}

type fakeWatcher struct {
	snap watch.Snapshot
}

func (f fakeWatcher) Snapshot() watch.Snapshot { return f.snap }

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	}
	return w, body
}

type ServerSuite struct {
	suite.Suite
	elector  *fakeElector
	recorder *events.Recorder
	handler  http.Handler
}

func (s *ServerSuite) SetupTest() {
	s.elector = &fakeElector{
		connected: true,
		status: election.Leadership{
			Status:      election.StatusWatching,
			Entry:       "c_0000000002",
			Predecessor: "c_0000000001",
			Leader:      "c_0000000000",
		},
		candidates: []string{"c_0000000000", "c_0000000001", "c_0000000002"},
	}
	s.recorder = events.NewRecorder(0)
	s.handler = api.NewServer(api.Config{
		Port:    "0",
		Elector: s.elector,
		Events:  s.recorder,
		Watcher: fakeWatcher{snap: watch.Snapshot{Path: "/target_node", Exists: true, Data: []byte("v1"), Children: []string{"a"}}},
	}).Handler()
}

func (s *ServerSuite) TestHealth_Healthy() {
	w, body := get(s.T(), s.handler, "/health")
	s.Equal(http.StatusOK, w.Code)
	s.Equal("healthy", body["status"])
	s.NotEmpty(w.Header().Get("X-Request-ID"))
	s.Equal("nosniff", w.Header().Get("X-Content-Type-Options"))
}

func (s *ServerSuite) TestHealth_DegradedWhenSessionLost() {
	s.elector.connected = false
	w, body := get(s.T(), s.handler, "/health")
	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Equal("degraded", body["status"])
}

func (s *ServerSuite) TestElection_Status() {
	w, body := get(s.T(), s.handler, "/api/v1/election")
	s.Equal(http.StatusOK, w.Code)
	s.Equal("WATCHING", body["status"])
	s.Equal("c_0000000002", body["entry"])
	s.Equal("c_0000000001", body["predecessor"])
	s.Equal("c_0000000000", body["leader"])
	s.Equal("/election", body["namespace"])
}

func (s *ServerSuite) TestElection_Candidates() {
	w, body := get(s.T(), s.handler, "/api/v1/election/candidates")
	s.Equal(http.StatusOK, w.Code)
	s.EqualValues(3, body["count"])
	s.Equal([]interface{}{"c_0000000000", "c_0000000001", "c_0000000002"}, body["candidates"])
}

func (s *ServerSuite) TestElection_CandidatesBackendError() {
	s.elector.err = errors.New("connection loss")
	w, _ := get(s.T(), s.handler, "/api/v1/election/candidates")
	s.Equal(http.StatusBadGateway, w.Code)
}

func (s *ServerSuite) TestEvents_NewestFirstWithLimit() {
	ctx := context.Background()
	emitter := events.NewEmitter("p", nil, s.recorder)
	emitter.Emit(ctx, models.Event{Kind: models.KindVolunteered})
	emitter.Emit(ctx, models.Event{Kind: models.KindStatusChanged, Status: "LEADER"})

	w, body := get(s.T(), s.handler, "/api/v1/events?limit=1")
	s.Equal(http.StatusOK, w.Code)
	s.EqualValues(1, body["count"])
	first := body["events"].([]interface{})[0].(map[string]interface{})
	s.Equal("STATUS_CHANGED", first["kind"])
	s.Equal("p", first["participant"])
}

func (s *ServerSuite) TestEvents_RejectsBadLimit() {
	for _, q := range []string{"limit=0", "limit=-3", "limit=lots"} {
		w, _ := get(s.T(), s.handler, "/api/v1/events?"+q)
		s.Equal(http.StatusBadRequest, w.Code, q)
	}
}

func (s *ServerSuite) TestWatch_Snapshot() {
	w, body := get(s.T(), s.handler, "/api/v1/watch")
	s.Equal(http.StatusOK, w.Code)
	s.Equal("/target_node", body["path"])
	s.Equal(true, body["exists"])
	s.Equal([]interface{}{"a"}, body["children"])
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func TestServer_UnconfiguredComponents(t *testing.T) {
	h := api.NewServer(api.Config{Port: "0"}).Handler()

	for _, path := range []string{"/api/v1/election", "/api/v1/election/candidates", "/api/v1/events", "/api/v1/watch"} {
		w, _ := get(t, h, path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
	w, _ := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_ServesLiveParticipant(t *testing.T) {
	srv := memory.NewServer()
	p := election.NewParticipant(election.DefaultConfig(), srv, nil, nil)
	require.NoError(t, p.Connect(context.Background(), "memory", time.Second))
	t.Cleanup(func() { _ = p.Shutdown() })
	entry, err := p.Volunteer(context.Background())
	require.NoError(t, err)
	_, err = p.Evaluate(context.Background())
	require.NoError(t, err)

	h := api.NewServer(api.Config{Port: "0", Elector: p}).Handler()

	w, body := get(t, h, "/api/v1/election")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "LEADER", body["status"])
	assert.Equal(t, entry, body["leader"])
	assert.Equal(t, true, body["connected"])
}

func TestServer_Metrics(t *testing.T) {
	h := api.NewServer(api.Config{Port: "0"}).Handler()
	get(t, h, "/health")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "zkelect_http_requests_total")
}
