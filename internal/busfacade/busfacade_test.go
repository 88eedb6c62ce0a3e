package busfacade

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbauthd/tbauthd/internal/busauth"
	"github.com/tbauthd/tbauthd/internal/enrollstore"
	"github.com/tbauthd/tbauthd/internal/manager"
	"github.com/tbauthd/tbauthd/internal/tberr"
)

type fakeManager struct {
	devices      map[string]manager.DeviceSummary
	authorizeErr map[string]error
	enrolled     map[string]enrollstore.Policy
	forgotten    map[string]bool
	signals      chan manager.Signal
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		devices:      make(map[string]manager.DeviceSummary),
		authorizeErr: make(map[string]error),
		enrolled:     make(map[string]enrollstore.Policy),
		forgotten:    make(map[string]bool),
		signals:      make(chan manager.Signal, 8),
	}
}

func (f *fakeManager) ListDevices() []manager.DeviceSummary {
	out := make([]manager.DeviceSummary, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

func (f *fakeManager) GetDevice(uid string) (manager.DeviceSummary, error) {
	d, ok := f.devices[uid]
	if !ok {
		return manager.DeviceSummary{}, tberr.NewNotFound("manager", uid)
	}
	return d, nil
}

func (f *fakeManager) Authorize(uid string) error {
	if err, ok := f.authorizeErr[uid]; ok {
		return err
	}
	if _, ok := f.devices[uid]; !ok {
		return tberr.NewNotFound("manager", uid)
	}
	return nil
}

func (f *fakeManager) Enroll(uid string, policy enrollstore.Policy) error {
	if _, ok := f.devices[uid]; !ok {
		return tberr.NewNotFound("manager", uid)
	}
	f.enrolled[uid] = policy
	return nil
}

func (f *fakeManager) Forget(uid string) error {
	if _, ok := f.devices[uid]; !ok {
		return tberr.NewNotFound("manager", uid)
	}
	f.forgotten[uid] = true
	return nil
}

func (f *fakeManager) Subscribe() (string, <-chan manager.Signal) {
	return "sub-1", f.signals
}

func (f *fakeManager) Unsubscribe(id string) {}

func newTestServer(mgr Manager, authCfg busauth.Config) *Server {
	return New(Config{ReadTimeout: time.Second, WriteTimeout: time.Second}, mgr, busauth.New(authCfg), zerolog.Nop())
}

func TestListDevices(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.devices["u1"] = manager.DeviceSummary{UID: "u1", Name: "dock", Status: "Authorized"}
	s := newTestServer(mgr, busauth.Config{Enabled: false})

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got []manager.DeviceSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UID)
}

func TestGetDeviceNotFound(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	s := newTestServer(mgr, busauth.Config{Enabled: false})

	req := httptest.NewRequest(http.MethodGet, "/devices/missing", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthorizeRequiresBearerTokenWhenEnabled(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.devices["u1"] = manager.DeviceSummary{UID: "u1"}
	s := newTestServer(mgr, busauth.Config{Enabled: true, Username: "root", Password: "secret", JWTSecret: "test"})

	req := httptest.NewRequest(http.MethodPost, "/devices/u1/authorize", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthorizeSucceedsWithValidBearerToken(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.devices["u1"] = manager.DeviceSummary{UID: "u1"}
	authCfg := busauth.Config{Enabled: true, Username: "root", Password: "secret", JWTSecret: "test"}
	s := newTestServer(mgr, authCfg)

	token, err := busauth.New(authCfg).Authenticate("root", "secret")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/devices/u1/authorize", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEnrollParsesPolicyFromBody(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.devices["u1"] = manager.DeviceSummary{UID: "u1"}
	s := newTestServer(mgr, busauth.Config{Enabled: false})

	req := httptest.NewRequest(http.MethodPost, "/devices/u1/enroll", strings.NewReader(`{"policy":"auto"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, enrollstore.PolicyAuto, mgr.enrolled["u1"])
}

func TestForgetEvictsDevice(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.devices["u1"] = manager.DeviceSummary{UID: "u1"}
	s := newTestServer(mgr, busauth.Config{Enabled: false})

	req := httptest.NewRequest(http.MethodDelete, "/devices/u1", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, mgr.forgotten["u1"])
}

func TestLoginIssuesToken(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	s := newTestServer(mgr, busauth.Config{Enabled: true, Username: "root", Password: "secret", JWTSecret: "test"})

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"root","password":"secret"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "token")
}

func TestVersion(t *testing.T) {
	t.Parallel()

	s := newTestServer(newFakeManager(), busauth.Config{Enabled: false})
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
