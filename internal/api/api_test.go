// Copyright 2025 James Ross
package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/inferqueue/inferqueue/internal/authgate"
	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/inferqueue/inferqueue/internal/jobservice"
	"github.com/inferqueue/inferqueue/internal/pqueue"
	"github.com/inferqueue/inferqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	srv  *httptest.Server
	priv *rsa.PrivateKey
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	keySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pubPEM)
	}))
	t.Cleanup(keySrv.Close)

	gate, err := authgate.New(&config.Auth{PublicKeyURL: keySrv.URL}, zap.NewNop())
	require.NoError(t, err)

	s, err := store.Open(context.Background(), &config.Database{URL: "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	pq := pqueue.New(s, nil)
	svc := jobservice.New(s, pq)

	apiCfg := &config.API{ListenAddr: ":0", ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	server, err := NewServer(apiCfg, svc, pq, gate, zap.NewNop())
	require.NoError(t, err)

	httpSrv := httptest.NewServer(server.routes())
	t.Cleanup(httpSrv.Close)
	return &testServer{srv: httpSrv, priv: priv}
}

func (ts *testServer) token(t *testing.T, caps []string, admin bool) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":          "user-1",
		"capabilities": caps,
		"is_admin":     admin,
		"exp":          time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(ts.priv)
	require.NoError(t, err)
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reqBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthRequiresNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitJobRequiresCapability(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/job/image_embedding", "", JobRequest{MediaID: "m1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitJobSucceedsWithCapability(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, []string{"inference"}, false)

	resp := ts.do(t, http.MethodPost, "/job/image_embedding", tok, JobRequest{MediaID: "m1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job JobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, "pending", job.Status)
}

func TestSubmitJobWithoutInferenceCapabilityIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, []string{"other"}, false)

	resp := ts.do(t, http.MethodPost, "/job/image_embedding", tok, JobRequest{MediaID: "m1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetJobNeedsNoCapability(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, []string{"inference"}, false)

	submitResp := ts.do(t, http.MethodPost, "/job/image_embedding", tok, JobRequest{MediaID: "m2"})
	var job JobResponse
	require.NoError(t, json.NewDecoder(submitResp.Body).Decode(&job))
	submitResp.Body.Close()

	getResp := ts.do(t, http.MethodGet, "/job/"+job.JobID, "", nil)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestGetUnknownJobReturns404(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/job/does-not-exist", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDuplicateSubmitReturns409(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, []string{"inference"}, false)

	first := ts.do(t, http.MethodPost, "/job/image_embedding", tok, JobRequest{MediaID: "m3"})
	first.Body.Close()
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second := ts.do(t, http.MethodPost, "/job/image_embedding", tok, JobRequest{MediaID: "m3"})
	defer second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestAdminStatsRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, []string{"inference"}, false)

	resp := ts.do(t, http.MethodGet, "/admin/stats", tok, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	adminTok := ts.token(t, nil, true)
	adminResp := ts.do(t, http.MethodGet, "/admin/stats", adminTok, nil)
	defer adminResp.Body.Close()
	assert.Equal(t, http.StatusOK, adminResp.StatusCode)
}

func TestInvalidTaskTypeReturns400(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, []string{"inference"}, false)

	resp := ts.do(t, http.MethodPost, "/job/not_a_real_task", tok, JobRequest{MediaID: "m4"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
