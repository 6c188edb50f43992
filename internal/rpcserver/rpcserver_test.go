package rpcserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dacinstalld/internal/authstrategy"
	"dacinstalld/internal/catalog"
	"dacinstalld/internal/executor"
)

// fakeEngine is a hand-rolled stand-in for *executor.Executor, letting the
// RPC layer's routing and envelope shaping be tested without a real catalog
// or filesystem.
type fakeEngine struct {
	installHandle string
	installCode   executor.Code

	progress     int
	progressCode executor.Code

	list     []catalog.AppDetails
	listCode executor.Code
}

func (f *fakeEngine) Install(appType, id, version, url, appName, category string) (string, executor.Code) {
	return f.installHandle, f.installCode
}
func (f *fakeEngine) Uninstall(appType, id, version, uninstallType string) (string, executor.Code) {
	return "", executor.CodeNone
}
func (f *fakeEngine) Cancel(handle string) executor.Code { return executor.CodeNone }
func (f *fakeEngine) GetProgress(handle string) (int, executor.Code) {
	return f.progress, f.progressCode
}
func (f *fakeEngine) GetStorageDetails(appType, id, version string) (executor.StorageDetails, executor.Code) {
	return executor.StorageDetails{AppSize: 100, DataSize: 200}, executor.CodeNone
}
func (f *fakeEngine) GetAppDetailsList(appType, id, version string) ([]catalog.AppDetails, executor.Code) {
	return f.list, f.listCode
}
func (f *fakeEngine) SetMetadata(appType, id, version, key, value string) executor.Code {
	return executor.CodeNone
}
func (f *fakeEngine) ClearMetadata(appType, id, version, key string) executor.Code {
	return executor.CodeNone
}
func (f *fakeEngine) GetMetadata(appType, id, version string) (catalog.AppDetails, map[string]string, executor.Code) {
	return catalog.AppDetails{Type: appType, ID: id, Version: version}, map[string]string{"k": "v"}, executor.CodeNone
}
func (f *fakeEngine) Lock(appType, id, version, reason, owner string) (string, executor.Code) {
	return "lock-handle", executor.CodeNone
}
func (f *fakeEngine) Unlock(handle string) executor.Code { return executor.CodeNone }
func (f *fakeEngine) GetLockInfo(appType, id, version string) (string, string, executor.Code) {
	return "reason", "owner", executor.CodeNone
}

func doRequest(t *testing.T, s *Server, method string, body interface{}) (int, envelope) {
	t.Helper()
	return doRequestWithAuth(t, s, method, body, "")
}

func doRequestWithAuth(t *testing.T, s *Server, method string, body interface{}, bearerToken string) (int, envelope) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/"+method, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal response %q: %v", w.Body.String(), err)
	}
	return w.Code, env
}

func signBearerToken(t *testing.T, secret []byte) string {
	t.Helper()
	claims := authstrategy.NewBearerClaims("test", time.Minute)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

func TestInstallReturnsHandleInEnvelope(t *testing.T) {
	s := New(&fakeEngine{installHandle: "abc123", installCode: executor.CodeNone})

	status, env := doRequest(t, s, methodInstall, map[string]string{
		"type": "t", "id": "com.rdk.app", "version": "1.0.0", "url": "http://x/y.tar.gz",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if env.Code != int(executor.CodeNone) {
		t.Fatalf("code = %d", env.Code)
	}
	data, ok := env.Data.(map[string]interface{})
	if !ok || data["handle"] != "abc123" {
		t.Fatalf("data = %#v", env.Data)
	}
}

func TestInstallPropagatesRejectionCode(t *testing.T) {
	s := New(&fakeEngine{installCode: executor.CodeTooManyRequests})

	_, env := doRequest(t, s, methodInstall, map[string]string{
		"type": "t", "id": "com.rdk.app", "version": "1.0.0", "url": "http://x/y.tar.gz",
	})
	if env.Code != int(executor.CodeTooManyRequests) {
		t.Fatalf("code = %d", env.Code)
	}
	if env.Data != nil {
		t.Fatalf("expected nil data on rejection, got %#v", env.Data)
	}
}

func TestGetProgressReportsValue(t *testing.T) {
	s := New(&fakeEngine{progress: 42, progressCode: executor.CodeNone})

	_, env := doRequest(t, s, methodGetProgress, map[string]string{"handle": "h"})
	data, ok := env.Data.(map[string]interface{})
	if !ok || data["progress"].(float64) != 42 {
		t.Fatalf("data = %#v", env.Data)
	}
}

func TestResetAndDownloadAreNoOps(t *testing.T) {
	s := New(&fakeEngine{})

	for _, method := range []string{methodReset, methodDownload} {
		_, env := doRequest(t, s, method, map[string]string{})
		if env.Code != int(executor.CodeNone) {
			t.Fatalf("%s code = %d", method, env.Code)
		}
	}
}

func TestGetListAppliesGzipCompression(t *testing.T) {
	s := New(&fakeEngine{list: []catalog.AppDetails{{Type: "t", ID: "com.rdk.app", Version: "1.0.0"}}})

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/"+methodGetList, bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip-encoded response, headers = %v", w.Header())
	}
}

func TestRequireBearerAuthRejectsMissingOrInvalidToken(t *testing.T) {
	s := New(&fakeEngine{})
	s.RequireBearerAuth([]byte("shared-secret"), methodLock, methodUnlock)

	_, env := doRequest(t, s, methodLock, map[string]string{"type": "t", "id": "com.rdk.app", "version": "1.0.0"})
	if env.Code != int(executor.CodeWrongParams) {
		t.Fatalf("missing token: code = %d, want WrongParams", env.Code)
	}

	_, env = doRequestWithAuth(t, s, methodLock, map[string]string{"type": "t", "id": "com.rdk.app", "version": "1.0.0"}, "not-a-jwt")
	if env.Code != int(executor.CodeWrongParams) {
		t.Fatalf("invalid token: code = %d, want WrongParams", env.Code)
	}
}

func TestRequireBearerAuthAcceptsValidToken(t *testing.T) {
	secret := []byte("shared-secret")
	s := New(&fakeEngine{})
	s.RequireBearerAuth(secret, methodLock, methodUnlock)

	token := signBearerToken(t, secret)
	_, env := doRequestWithAuth(t, s, methodLock, map[string]string{"type": "t", "id": "com.rdk.app", "version": "1.0.0"}, token)
	if env.Code != int(executor.CodeNone) {
		t.Fatalf("code = %d, want None", env.Code)
	}
}

func TestRequireBearerAuthDoesNotGateUnlistedMethods(t *testing.T) {
	s := New(&fakeEngine{installHandle: "abc123", installCode: executor.CodeNone})
	s.RequireBearerAuth([]byte("shared-secret"), methodLock, methodUnlock)

	_, env := doRequest(t, s, methodInstall, map[string]string{
		"type": "t", "id": "com.rdk.app", "version": "1.0.0", "url": "http://x/y.tar.gz",
	})
	if env.Code != int(executor.CodeNone) {
		t.Fatalf("install code = %d, want None (install is not gated)", env.Code)
	}
}

func TestUnknownMethodBodyStillValidatesAsWrongParams(t *testing.T) {
	s := New(&fakeEngine{})

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/"+methodGetLockInfo, bytes.NewReader([]byte(`not-json`)))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Code != int(executor.CodeWrongParams) {
		t.Fatalf("code = %d", env.Code)
	}
}
