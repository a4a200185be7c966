package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/storage/sqlstore"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/msh"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/resolver"
)

const (
	adminKey  = "s3cret"
	partyType = "urn:oasis:names:tc:ebcore:partyid-type:unregistered"
	pushKey   = "agreement1:blue_gw:red_gw:testService1:tc1Action:pushTestcase1tc1Action"
)

type fakeMessenger struct {
	submitted *msh.Submission
	pulled    string
	receipt   string
	warning   bool
	err       error
	next      *msh.PulledMessage
}

func (f *fakeMessenger) Submit(_ context.Context, sub *msh.Submission) (*msh.Receipt, error) {
	f.submitted = sub
	if f.err != nil {
		return nil, f.err
	}
	return &msh.Receipt{MessageID: "m1@msh", PModeKey: pushKey}, nil
}

func (f *fakeMessenger) Pull(_ context.Context, mpc string) (*msh.PulledMessage, error) {
	f.pulled = mpc
	if f.err != nil {
		return nil, f.err
	}
	if f.next == nil {
		return nil, msh.ErrNothingToPull
	}
	return f.next, nil
}

func (f *fakeMessenger) PullReceipt(_ context.Context, messageID string, warning bool) error {
	f.receipt, f.warning = messageID, warning
	return f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type testServer struct {
	handler   http.Handler
	store     *sqlstore.Store
	resolver  *resolver.CachingResolver
	messenger *fakeMessenger
}

func newTestServer(t *testing.T, upload bool) *testServer {
	t.Helper()
	store, err := sqlstore.Open(&sqlstore.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	reg := prometheus.NewRegistry()
	m := metrics.New()
	require.NoError(t, m.Register(reg))

	ts := &testServer{
		store:     store,
		resolver:  resolver.NewCachingResolver(store, resolver.Options{Transactor: store, Metrics: m}),
		messenger: &fakeMessenger{},
	}
	if upload {
		raw, err := os.ReadFile("../../pkg/pmode/testdata/domibus.xml")
		require.NoError(t, err)
		_, err = ts.resolver.UpdatePModes(context.Background(), raw, "fixture")
		require.NoError(t, err)
	}

	cfg := config.Default()
	cfg.Server.AdminKey = adminKey
	cfg.Metrics.Metrics.Enabled = true

	srv, err := New(cfg, Dependencies{
		Resolver:  ts.resolver,
		History:   store,
		Messenger: ts.messenger,
		Database:  store,
		Gatherer:  reg,
	}, nil)
	require.NoError(t, err)
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("X-Admin-Key", adminKey)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func pushAttributes() AttributesRequest {
	return AttributesRequest{
		Agreement: &RefRequest{Value: "A1", Type: "T1"},
		From:      []PartyIDRequest{{Value: "domibus-blue", Type: partyType}},
		To:        []PartyIDRequest{{Value: "domibus-red", Type: partyType}},
		Service:   RefRequest{Value: "bdx:noprocess", Type: "tc1"},
		Action:    "TC1Leg1",
	}
}

func TestNewRequiresResolver(t *testing.T) {
	_, err := New(config.Default(), Dependencies{}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReady(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no PMode configuration")

	raw, err := os.ReadFile("../../pkg/pmode/testdata/domibus.xml")
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/api/pmodes?description=first", raw)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyDatabaseDown(t *testing.T) {
	ts := newTestServer(t, true)
	srv, err := New(config.Default(), Dependencies{
		Resolver: ts.resolver,
		Database: fakePinger{err: errors.New("connection refused")},
	}, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database not ready")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "msh_")
}

func TestAdminKeyRequired(t *testing.T) {
	ts := newTestServer(t, true)
	for _, key := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/api/pmodes", nil)
		if key != "" {
			req.Header.Set("X-Admin-Key", key)
		}
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	ts := newTestServer(t, true)
	srv, err := New(config.Default(), Dependencies{Resolver: ts.resolver}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/pmodes", nil)
	req.Header.Set("X-Admin-Key", "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadAndListPModes(t *testing.T) {
	ts := newTestServer(t, false)
	raw, err := os.ReadFile("../../pkg/pmode/testdata/domibus.xml")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/pmodes?description=initial", raw)
	require.Equal(t, http.StatusCreated, rec.Code)
	var up struct {
		Warnings []string `json:"warnings"`
	}
	decode(t, rec, &up)
	assert.NotNil(t, up.Warnings)

	rec = ts.do(t, http.MethodGet, "/api/pmodes?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Configurations []struct {
			Description string `json:"description"`
			Size        int    `json:"size"`
		} `json:"configurations"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Configurations, 1)
	assert.Equal(t, "initial", list.Configurations[0].Description)
	assert.Equal(t, len(raw), list.Configurations[0].Size)
}

func TestUploadInvalidPModes(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodPost, "/api/pmodes", []byte("<configuration"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error  string   `json:"error"`
		Issues []string `json:"issues"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "invalid PMode configuration", resp.Error)
	require.Len(t, resp.Issues, 1)
	assert.Contains(t, resp.Issues[0], "malformed XML")
	assert.False(t, ts.resolver.IsConfigurationLoaded(context.Background()))
}

func TestResolve(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodPost, "/api/pmodes/resolve", ResolveRequest{Attributes: pushAttributes()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ResolveResponse
	decode(t, rec, &resp)
	assert.Equal(t, pushKey, resp.PModeKey)
	assert.Equal(t, "blue_gw", resp.Sender)
	assert.Equal(t, "red_gw", resp.Receiver)
	assert.Equal(t, "pushTestcase1tc1Action", resp.Leg)
}

func TestResolveFailures(t *testing.T) {
	ts := newTestServer(t, true)

	attrs := pushAttributes()
	attrs.Action = "unknownAction"
	rec := ts.do(t, http.MethodPost, "/api/pmodes/resolve", ResolveRequest{Attributes: attrs})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/pmodes/resolve", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	empty := newTestServer(t, false)
	rec = empty.do(t, http.MethodPost, "/api/pmodes/resolve", ResolveRequest{Attributes: pushAttributes()})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetLeg(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/api/pmodes/legs/"+pushKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var leg LegResponse
	decode(t, rec, &leg)
	assert.Equal(t, "pushTestcase1tc1Action", leg.Name)
	assert.Equal(t, 12, leg.RetryTimeout)
	assert.Equal(t, 4, leg.RetryCount)
	assert.Equal(t, "CONSTANT", leg.Strategy)

	rec = ts.do(t, http.MethodGet, "/api/pmodes/legs/a:b:c:d:e:nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/pmodes/legs/short", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodPost, "/api/messages", SubmitRequest{
		Attributes:    pushAttributes(),
		Payloads:      []PayloadRequest{{ContentID: "cid:invoice", ContentType: "application/xml", Data: []byte("<invoice/>")}},
		NotifyBackend: true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitResponse
	decode(t, rec, &resp)
	assert.Equal(t, "m1@msh", resp.MessageID)
	assert.Equal(t, pushKey, resp.PModeKey)

	sub := ts.messenger.submitted
	require.NotNil(t, sub)
	assert.True(t, sub.NotifyBackend)
	assert.Equal(t, "TC1Leg1", sub.Attributes.Action)
	require.Len(t, sub.Attributes.From, 1)
	assert.Equal(t, partyType, sub.Attributes.From[0].Type)
	require.Len(t, sub.Payloads, 1)
	assert.Equal(t, "<invoice/>", string(sub.Payloads[0].Data))
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid", msh.ErrInvalidMessage, http.StatusBadRequest},
		{"pull unsupported", msh.ErrPullNotSupported, http.StatusNotImplemented},
		{"database", errors.New("database is locked"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, true)
			ts.messenger.err = tt.err
			rec := ts.do(t, http.MethodPost, "/api/messages", SubmitRequest{Attributes: pushAttributes()})
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestPull(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, http.MethodPost, "/api/pull", PullRequest{Mpc: "pullMpc"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "pullMpc", ts.messenger.pulled)

	ts.messenger.next = &msh.PulledMessage{
		MessageID: "p1@msh",
		PModeKey:  "agreement1:blue_gw:red_gw:testService1:tc1Action:pullTestcase1",
		Mpc:       "http://example.org/mpc/pull",
		Payloads:  []msh.Payload{{ContentID: "cid:a", Data: []byte("hello")}},
	}
	rec = ts.do(t, http.MethodPost, "/api/pull", PullRequest{Mpc: "pullMpc"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PullResponse
	decode(t, rec, &resp)
	assert.Equal(t, "p1@msh", resp.MessageID)
	require.Len(t, resp.Payloads, 1)
	assert.Equal(t, "hello", string(resp.Payloads[0].Data))

	rec = ts.do(t, http.MethodPost, "/api/pull", PullRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.messenger.err = resolver.ErrNoPullProcess
	rec = ts.do(t, http.MethodPost, "/api/pull", PullRequest{Mpc: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPullReceipt(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, http.MethodPost, "/api/messages/p1@msh/receipt", ReceiptRequest{Warning: true})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "p1@msh", ts.messenger.receipt)
	assert.True(t, ts.messenger.warning)

	rec = ts.do(t, http.MethodPost, "/api/messages/p2@msh/receipt", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, ts.messenger.warning)

	ts.messenger.err = reliability.ErrMessageNotFound
	rec = ts.do(t, http.MethodPost, "/api/messages/gone/receipt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "not found"))
}
