package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/netres"
	"github.com/blueprintd/blueprintd/pkg/policy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInstances is an in-memory stand-in for engine.Registry.
type fakeInstances struct {
	mu         sync.Mutex
	docs       map[string]*engine.Document
	submitted  []engine.SubmitRequest
	resumed    []engine.CallbackEvent
	submitErr  error
	destroyErr error
	destroyed  chan struct{}
}

func newFakeInstances() *fakeInstances {
	return &fakeInstances{docs: make(map[string]*engine.Document)}
}

func notFound(id string) error {
	return engine.NewPermanentError("instance "+id+" not found", nil).WithCode(engine.ErrCodeNotFound)
}

func (f *fakeInstances) CreateInstance(_ context.Context, blueprintType, id string, labels map[string]string) (*engine.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.newDoc(blueprintType, id, labels)
	if err != nil {
		return nil, err
	}
	f.docs[doc.ID] = doc
	return doc.Clone(), nil
}

// Launch saves nothing when the first submission is refused.
func (f *fakeInstances) Launch(_ context.Context, blueprintType, id string, labels map[string]string, first engine.SubmitRequest) (*engine.Document, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.newDoc(blueprintType, id, labels)
	if err != nil {
		return nil, "", err
	}
	if f.submitErr != nil {
		return nil, "", f.submitErr
	}
	f.docs[doc.ID] = doc
	first.InstanceID = doc.ID
	f.submitted = append(f.submitted, first)
	return doc.Clone(), "session-1", nil
}

func (f *fakeInstances) newDoc(blueprintType, id string, labels map[string]string) (*engine.Document, error) {
	if blueprintType != "k8s-small" {
		return nil, engine.NewPermanentError("unknown blueprint type", nil).WithCode(engine.ErrCodeValidation)
	}
	if id == "" {
		id = "generated"
	}
	if _, ok := f.docs[id]; ok {
		return nil, engine.NewConflictError("instance already exists", nil).WithCode(engine.ErrCodeAlreadyExists)
	}
	return &engine.Document{ID: id, Type: blueprintType, Status: engine.StatusIdle, Labels: labels, UpdatedAt: time.Now()}, nil
}

func (f *fakeInstances) Submit(_ context.Context, req engine.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if _, ok := f.docs[req.InstanceID]; !ok {
		return "", notFound(req.InstanceID)
	}
	f.submitted = append(f.submitted, req)
	return "session-1", nil
}

func (f *fakeInstances) Resume(_ context.Context, id string, ev engine.CallbackEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return notFound(id)
	}
	f.resumed = append(f.resumed, ev)
	return nil
}

func (f *fakeInstances) Destroy(_ context.Context, id string) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return nil, f.destroyErr
	}
	if _, ok := f.docs[id]; !ok {
		return nil, notFound(id)
	}
	delete(f.docs, id)
	if f.destroyed == nil {
		f.destroyed = make(chan struct{})
		close(f.destroyed)
	}
	return f.destroyed, nil
}

func (f *fakeInstances) ListSummaries(_ context.Context, filter engine.Filter) ([]engine.ShortSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []engine.ShortSummary{}
	for _, doc := range f.docs {
		if filter.Matches(doc) {
			out = append(out, engine.Summarize(doc))
		}
	}
	return out, nil
}

func (f *fakeInstances) GetDetail(_ context.Context, id string) (*engine.DetailedSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	return &engine.DetailedSummary{ShortSummary: engine.Summarize(doc), Labels: doc.Labels}, nil
}

func (f *fakeInstances) Workers() int { return 3 }

func (f *fakeInstances) submissions() []engine.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.SubmitRequest(nil), f.submitted...)
}

func (f *fakeInstances) resumes() []engine.CallbackEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.CallbackEvent(nil), f.resumed...)
}

func (f *fakeInstances) failWith(submitErr, destroyErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = submitErr
	f.destroyErr = destroyErr
}

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(context.Context) error { return h.err }

type testServer struct {
	*httptest.Server
	instances *fakeInstances
	nets      *netres.Registry
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()

	nets := netres.NewRegistry(netres.Options{})
	require.NoError(t, nets.AddNetwork(context.Background(), "mgmt", []netres.AllocationPool{{
		Start: netip.MustParseAddr("10.0.0.1"),
		End:   netip.MustParseAddr("10.0.0.10"),
	}}))

	instances := newFakeInstances()
	opts.Instances = instances
	opts.Networks = nets

	s, err := NewServer(opts)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, instances: instances, nets: nets}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestCreateBlueprint(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{
		ID:        "c1",
		Type:      "k8s-small",
		Labels:    map[string]string{"site": "lab"},
		Operation: "init",
		Payload:   json.RawMessage(`{"workers":3}`),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got := decode[Accepted](t, resp)
	assert.Equal(t, "c1", got.InstanceID)
	assert.Equal(t, "session-1", got.SessionID)

	submitted := ts.instances.submissions()
	require.Len(t, submitted, 1)
	assert.Equal(t, "init", submitted[0].Operation)
	assert.JSONEq(t, `{"workers":3}`, string(submitted[0].Payload))
}

func TestCreateBlueprint_WithoutOperation(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got := decode[engine.ShortSummary](t, resp)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, engine.StatusIdle, got.Status)
	assert.Empty(t, ts.instances.submissions())
}

func TestCreateBlueprint_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"missing type", CreateRequest{ID: "c1"}, http.StatusBadRequest, engine.ErrCodeValidation},
		{"unknown type", CreateRequest{ID: "c1", Type: "nope"}, http.StatusBadRequest, engine.ErrCodeValidation},
		{"unknown field", map[string]string{"type": "k8s-small", "colour": "red"}, http.StatusBadRequest, engine.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Options{})
			resp := ts.do(t, http.MethodPost, "/v1/blueprints", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decode[ErrorBody](t, resp).Error.Code)
		})
	}
}

func TestCreateBlueprint_Duplicate(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, engine.ErrCodeAlreadyExists, decode[ErrorBody](t, resp).Error.Code)
}

func TestCreateBlueprint_RejectedOperationLeavesNoInstance(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.instances.failWith(engine.NewPermanentError("operation \"explode\" is not supported", nil).WithCode(engine.ErrCodeRejected), nil)

	resp := ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small", Operation: "explode"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, engine.ErrCodeRejected, decode[ErrorBody](t, resp).Error.Code)

	resp = ts.do(t, http.MethodGet, "/v1/blueprints/c1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts.instances.failWith(nil, nil)
	resp = ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small", Operation: "init"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "c1", decode[Accepted](t, resp).InstanceID)
}

func TestListAndGetBlueprints(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small", Labels: map[string]string{"site": "lab"}})
	ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c2", Type: "k8s-small", Labels: map[string]string{"site": "edge"}})

	resp := ts.do(t, http.MethodGet, "/v1/blueprints?label=site=edge", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decode[[]engine.ShortSummary](t, resp)
	require.Len(t, items, 1)
	assert.Equal(t, "c2", items[0].ID)

	resp = ts.do(t, http.MethodGet, "/v1/blueprints?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/blueprints/c1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[engine.DetailedSummary](t, resp)
	assert.Equal(t, "lab", detail.Labels["site"])

	resp = ts.do(t, http.MethodGet, "/v1/blueprints/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitOperation(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small"})

	resp := ts.do(t, http.MethodPost, "/v1/blueprints/c1/operations", OperationRequest{
		Operation:   "scale",
		CallbackURL: "http://requester.local/hook",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "session-1", decode[Accepted](t, resp).SessionID)
	require.Len(t, ts.instances.submissions(), 1)
	assert.Equal(t, "http://requester.local/hook", ts.instances.submissions()[0].CallbackURL)

	resp = ts.do(t, http.MethodPost, "/v1/blueprints/missing/operations", OperationRequest{Operation: "scale"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitOperation_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unsupported", engine.NewPermanentError("unsupported", nil).WithCode(engine.ErrCodeRejected), http.StatusConflict},
		{"policy", engine.NewPermanentError("denied", nil).WithCode(engine.ErrCodePolicyDenied), http.StatusConflict},
		{"destroying", engine.NewPermanentError("going away", nil).WithCode(engine.ErrCodeInstanceDestroying), http.StatusConflict},
		{"shutdown", engine.NewTransientError("stopping", nil).WithCode(engine.ErrCodeShutdown), http.StatusServiceUnavailable},
		{"plain", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Options{})
			ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small"})
			ts.instances.failWith(tt.err, nil)

			resp := ts.do(t, http.MethodPost, "/v1/blueprints/c1/operations", OperationRequest{Operation: "scale"})
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestDeliverCallback(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small"})

	resp := ts.do(t, http.MethodPost, "/v1/blueprints/c1/callbacks/s-42", CallbackRequest{
		Callback: "vim_confirmed",
		Payload:  json.RawMessage(`{"job_id":"j1"}`),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resumed := ts.instances.resumes()
	require.Len(t, resumed, 1)
	ev := resumed[0]
	assert.Equal(t, "s-42", ev.SessionID)
	assert.Equal(t, "vim_confirmed", ev.Callback)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(ev.Payload))
}

func TestDestroyBlueprint(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small"})
	ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c2", Type: "k8s-small"})

	resp := ts.do(t, http.MethodDelete, "/v1/blueprints/c1", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "destroying", decode[Accepted](t, resp).Status)

	resp = ts.do(t, http.MethodDelete, "/v1/blueprints/c2?wait=true", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/v1/blueprints/c1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDestroyBlueprint_Denied(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.do(t, http.MethodPost, "/v1/blueprints", CreateRequest{ID: "c1", Type: "k8s-small"})
	ts.instances.failWith(nil, engine.NewPermanentError("protected", nil).WithCode(engine.ErrCodePolicyDenied))

	resp := ts.do(t, http.MethodDelete, "/v1/blueprints/c1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, engine.ErrCodePolicyDenied, decode[ErrorBody](t, resp).Error.Code)
}

func TestNetworks(t *testing.T) {
	admission, err := policy.NewEngine(zerolog.Nop(), policy.Options{MaxReservation: 4})
	require.NoError(t, err)
	ts := newTestServer(t, Options{Admission: admission})

	resp := ts.do(t, http.MethodPost, "/v1/networks/mgmt/reservations", ReservationRequest{Owner: "lab", Count: 3})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ranges := decode[[]netres.ReservedRange](t, resp)
	require.Len(t, ranges, 1)
	assert.Equal(t, "10.0.0.1", ranges[0].Start.String())
	assert.Equal(t, "10.0.0.3", ranges[0].End.String())

	resp = ts.do(t, http.MethodGet, "/v1/networks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	infos := decode[[]netres.NetworkInfo](t, resp)
	require.Len(t, infos, 1)
	assert.Equal(t, 3, infos[0].Reserved)
	assert.Equal(t, 10, infos[0].Capacity)

	resp = ts.do(t, http.MethodPost, "/v1/networks/mgmt/reservations", ReservationRequest{Owner: "lab", Count: 5})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "over the policy limit")
	assert.Equal(t, engine.ErrCodePolicyDenied, decode[ErrorBody](t, resp).Error.Code)

	resp = ts.do(t, http.MethodDelete, "/v1/networks/mgmt/reservations/"+ranges[0].ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/v1/networks/mgmt/reservations/"+ranges[0].ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/networks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNetworks_InsufficientCapacity(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := ts.do(t, http.MethodPost, "/v1/networks/mgmt/reservations", ReservationRequest{Owner: "lab", Count: 11})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, engine.ErrCodeInsufficientCapacity, decode[ErrorBody](t, resp).Error.Code)

	resp = ts.do(t, http.MethodPost, "/v1/networks/mgmt/reservations", ReservationRequest{Owner: "lab"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("blueprintd_workers 3\n"))
	})
	ts := newTestServer(t, Options{Metrics: metrics, Health: fakeHealth{}})

	resp := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]interface{}](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["workers"])

	resp = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sick := newTestServer(t, Options{Health: fakeHealth{err: errors.New("database is locked")}})
	resp = sick.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := ts.do(t, http.MethodGet, "/v2/things", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/v1/blueprints/c1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
