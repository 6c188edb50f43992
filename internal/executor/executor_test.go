package executor

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dacinstalld/internal/events"
)

func buildBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

// newTestExecutor returns a configured Executor along with an events channel
// already subscribed before any operation runs, so a fast-completing task
// can never publish its terminal event before the test starts listening.
func newTestExecutor(t *testing.T) (*Executor, <-chan events.Event) {
	t.Helper()
	e := New()
	ch := e.Events().Subscribe(events.TopicOperationStatus, 64)

	root := t.TempDir()
	cfg := map[string]string{
		"appspath": filepath.Join(root, "apps"),
		"dbpath":   filepath.Join(root, "db"),
		"datapath": filepath.Join(root, "data"),
	}
	raw, _ := json.Marshal(cfg)
	if code := e.Configure(raw); code != CodeNone {
		t.Fatalf("Configure: %v", code)
	}
	return e, ch
}

func waitForTerminal(t *testing.T, ch <-chan events.Event, handle string) events.OperationStatus {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt := <-ch:
			status, ok := evt.Payload.(events.OperationStatus)
			if !ok || status.Handle != handle {
				continue
			}
			switch status.Status {
			case events.StatusSuccess, events.StatusFailed, events.StatusCancelled:
				return status
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event on handle %s", handle)
		}
	}
}

func serveBundle(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
}

// Scenario 1: a single install succeeds, populates the catalog and reports
// the expected storage paths.
func TestInstallSucceedsAndReportsStorage(t *testing.T) {
	e, ch := newTestExecutor(t)
	srv := serveBundle(t, buildBundle(t, map[string]string{"run.sh": "hi"}))
	defer srv.Close()

	handle, code := e.Install("application/vnd.rdk-app.dac.native", "com.rdk.waylandegltest", "1.0.0", srv.URL+"/bundle.tar.gz", "appname", "cat")
	if code != CodeNone {
		t.Fatalf("Install: %v", code)
	}
	status := waitForTerminal(t, ch, handle)
	if status.Status != events.StatusSuccess {
		t.Fatalf("status = %v, details = %s", status.Status, status.Details)
	}

	details, code := e.GetStorageDetails("application/vnd.rdk-app.dac.native", "com.rdk.waylandegltest", "1.0.0")
	if code != CodeNone {
		t.Fatalf("GetStorageDetails: %v", code)
	}
	if details.AppSize == 0 {
		t.Fatalf("expected nonzero app size")
	}

	list, code := e.GetAppDetailsList("", "", "")
	if code != CodeNone {
		t.Fatalf("GetAppDetailsList: %v", code)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 row, got %d", len(list))
	}
}

// Scenario 2: a second version of the same id shares one apps row and gains
// a second installed_apps row, both sharing the same persistent data path.
func TestSecondVersionSharesAppsRow(t *testing.T) {
	e, ch := newTestExecutor(t)
	srv := serveBundle(t, buildBundle(t, map[string]string{"run.sh": "hi"}))
	defer srv.Close()

	h1, code := e.Install("t", "com.rdk.app", "1.0.0", srv.URL+"/b.tar.gz", "n", "c")
	if code != CodeNone {
		t.Fatalf("Install v1: %v", code)
	}
	waitForTerminal(t, ch, h1)

	h2, code := e.Install("t", "com.rdk.app", "2.0.0", srv.URL+"/b.tar.gz", "n", "c")
	if code != CodeNone {
		t.Fatalf("Install v2: %v", code)
	}
	status := waitForTerminal(t, ch, h2)
	if status.Status != events.StatusSuccess {
		t.Fatalf("v2 status = %v, %s", status.Status, status.Details)
	}

	list, code := e.GetAppDetailsList("", "com.rdk.app", "")
	if code != CodeNone {
		t.Fatalf("GetAppDetailsList: %v", code)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 installed_apps rows, got %d", len(list))
	}
	if list[0].DataPath != list[1].DataPath {
		t.Fatalf("expected shared data path, got %q vs %q", list[0].DataPath, list[1].DataPath)
	}
}

// Scenario 3: uninstalling one of two versions leaves the other and the data
// directory intact; uninstalling the last version cleans everything up.
func TestUninstallFullRemovesOnlyWhenLastVersionGone(t *testing.T) {
	e, ch := newTestExecutor(t)
	srv := serveBundle(t, buildBundle(t, map[string]string{"run.sh": "hi"}))
	defer srv.Close()

	h1, _ := e.Install("t", "com.rdk.app", "1.0.0", srv.URL+"/b.tar.gz", "n", "c")
	waitForTerminal(t, ch, h1)
	h2, _ := e.Install("t", "com.rdk.app", "2.0.0", srv.URL+"/b.tar.gz", "n", "c")
	waitForTerminal(t, ch, h2)

	// Persist a file in the shared data directory, as a running app would.
	if err := os.WriteFile(filepath.Join(e.roots.DataDir("com.rdk.app"), "state"), []byte("saved"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	uh1, code := e.Uninstall("t", "com.rdk.app", "1.0.0", "full")
	if code != CodeNone {
		t.Fatalf("Uninstall v1: %v", code)
	}
	status := waitForTerminal(t, ch, uh1)
	if status.Status != events.StatusSuccess {
		t.Fatalf("uninstall v1 status = %v, %s", status.Status, status.Details)
	}

	details, code := e.GetStorageDetails("t", "com.rdk.app", "")
	if code != CodeNone {
		t.Fatalf("GetStorageDetails: %v", code)
	}
	if details.DataSize == 0 {
		t.Fatalf("expected data dir to survive partial uninstall")
	}

	uh2, code := e.Uninstall("t", "com.rdk.app", "2.0.0", "full")
	if code != CodeNone {
		t.Fatalf("Uninstall v2: %v", code)
	}
	status = waitForTerminal(t, ch, uh2)
	if status.Status != events.StatusSuccess {
		t.Fatalf("uninstall v2 status = %v, %s", status.Status, status.Details)
	}

	if _, _, code := e.GetMetadata("t", "com.rdk.app", "2.0.0"); code != CodeWrongParams {
		t.Fatalf("expected WrongParams after full cleanup, got %v", code)
	}
}

// Scenario 4: an "upgrade" uninstall removes only the installed_apps row and
// version directory, keeping the apps row and data directory for reuse by a
// subsequent install of a new version.
func TestUninstallUpgradeKeepsData(t *testing.T) {
	e, ch := newTestExecutor(t)
	srv := serveBundle(t, buildBundle(t, map[string]string{"run.sh": "hi"}))
	defer srv.Close()

	h1, _ := e.Install("t", "com.rdk.app", "1.0.0", srv.URL+"/b.tar.gz", "n", "c")
	waitForTerminal(t, ch, h1)

	uh, code := e.Uninstall("t", "com.rdk.app", "1.0.0", "upgrade")
	if code != CodeNone {
		t.Fatalf("Uninstall: %v", code)
	}
	status := waitForTerminal(t, ch, uh)
	if status.Status != events.StatusSuccess {
		t.Fatalf("uninstall status = %v, %s", status.Status, status.Details)
	}

	e.mu.Lock()
	hasData, err := e.cat.IsAppData(context.Background(), "t", "com.rdk.app")
	e.mu.Unlock()
	if err != nil {
		t.Fatalf("IsAppData: %v", err)
	}
	if !hasData {
		t.Fatalf("expected apps row to survive upgrade uninstall")
	}

	h2, code := e.Install("t", "com.rdk.app", "2.0.0", srv.URL+"/b.tar.gz", "n", "c")
	if code != CodeNone {
		t.Fatalf("reinstall: %v", code)
	}
	status = waitForTerminal(t, ch, h2)
	if status.Status != events.StatusSuccess {
		t.Fatalf("reinstall status = %v, %s", status.Status, status.Details)
	}
}

// Scenario 5: cancelling before EXTRACTING leaves no catalog row and no
// filesystem residue. The handler streams many small, flushed chunks so the
// downloader's cooperative cancellation check (run before every write) gets
// repeated chances to observe the request before the transfer completes.
func TestCancelDuringDownloadLeavesNoResidue(t *testing.T) {
	e, _ := newTestExecutor(t)
	const total = 8 << 20
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", total))
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		chunk := make([]byte, 4096)
		for sent := 0; sent < total; sent += len(chunk) {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	handle, code := e.Install("t", "com.rdk.app", "1.0.0", srv.URL+"/b.tar.gz", "n", "c")
	if code != CodeNone {
		t.Fatalf("Install: %v", code)
	}
	time.Sleep(5 * time.Millisecond)
	if code := e.Cancel(handle); code != CodeNone {
		t.Fatalf("Cancel: %v", code)
	}

	list, code := e.GetAppDetailsList("", "", "")
	if code != CodeNone {
		t.Fatalf("GetAppDetailsList: %v", code)
	}
	if len(list) != 0 {
		t.Fatalf("expected no catalog rows after cancel, got %d", len(list))
	}
}

// Scenario 5b: the DOWNLOADING stage itself emits PROGRESS events on the
// bus as bytes stream in, not just at the 0% and 90% stage boundaries --
// regressing the bug where the downloader's listener updated the task's
// progress field directly without going through the executor's publish path.
func TestDownloadStageEmitsProgressEvents(t *testing.T) {
	e, ch := newTestExecutor(t)
	const total = 4 << 20
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", total))
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		chunk := make([]byte, 4096)
		for sent := 0; sent < total; sent += len(chunk) {
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	handle, code := e.Install("t", "com.rdk.app", "1.0.0", srv.URL+"/b.tar.gz", "n", "c")
	if code != CodeNone {
		t.Fatalf("Install: %v", code)
	}

	sawMidDownloadProgress := false
	deadline := time.After(10 * time.Second)
	for !sawMidDownloadProgress {
		select {
		case evt := <-ch:
			status, ok := evt.Payload.(events.OperationStatus)
			if !ok || status.Handle != handle {
				continue
			}
			if status.Status == events.StatusProgress && status.Percent > 0 && status.Percent < 90 {
				sawMidDownloadProgress = true
			}
			if status.Status == events.StatusSuccess || status.Status == events.StatusFailed {
				t.Fatalf("reached terminal status %v before observing a mid-download PROGRESS event", status.Status)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a mid-download PROGRESS event")
		}
	}
}

// Scenario 6: a second concurrent Install is rejected, a completed identity
// rejects re-install, and reusing an id under a different type is rejected.
func TestConcurrentAndDuplicateInstallAdmission(t *testing.T) {
	e, ch := newTestExecutor(t)
	block := make(chan struct{})
	bundle := buildBundle(t, map[string]string{"run.sh": "hi"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(bundle)))
		if r.Method == http.MethodHead {
			return
		}
		<-block
		w.WriteHeader(http.StatusOK)
		w.Write(bundle)
	}))
	defer srv.Close()

	h1, code := e.Install("t", "com.rdk.app", "1.0.0", srv.URL+"/b.tar.gz", "n", "c")
	if code != CodeNone {
		t.Fatalf("Install 1: %v", code)
	}
	if _, code := e.Install("t", "com.rdk.other", "1.0.0", srv.URL+"/b.tar.gz", "n", "c"); code != CodeTooManyRequests {
		t.Fatalf("expected TooManyRequests, got %v", code)
	}
	close(block)
	waitForTerminal(t, ch, h1)

	if _, code := e.Install("t", "com.rdk.app", "1.0.0", srv.URL+"/b.tar.gz", "n", "c"); code != CodeAlreadyInstalled {
		t.Fatalf("expected AlreadyInstalled, got %v", code)
	}
	if _, code := e.Install("other-type", "com.rdk.app", "2.0.0", srv.URL+"/b.tar.gz", "n", "c"); code != CodeWrongParams {
		t.Fatalf("expected WrongParams for type mismatch, got %v", code)
	}
}

// Scenario 7: an active lock blocks Uninstall; unlocking with the wrong
// handle fails, and the correct handle releases the lock.
func TestLockBlocksUninstallUntilUnlocked(t *testing.T) {
	e, ch := newTestExecutor(t)
	srv := serveBundle(t, buildBundle(t, map[string]string{"run.sh": "hi"}))
	defer srv.Close()

	h, _ := e.Install("t", "com.rdk.app", "1.0.0", srv.URL+"/b.tar.gz", "n", "c")
	waitForTerminal(t, ch, h)

	lockHandle, code := e.Lock("t", "com.rdk.app", "1.0.0", "in use", "owner")
	if code != CodeNone {
		t.Fatalf("Lock: %v", code)
	}

	if _, code := e.Uninstall("t", "com.rdk.app", "1.0.0", "full"); code != CodeAppLocked {
		t.Fatalf("expected AppLocked, got %v", code)
	}

	if code := e.Unlock("wrong-handle"); code != CodeWrongHandle {
		t.Fatalf("expected WrongHandle, got %v", code)
	}
	if code := e.Unlock(lockHandle); code != CodeNone {
		t.Fatalf("Unlock: %v", code)
	}

	uh, code := e.Uninstall("t", "com.rdk.app", "1.0.0", "full")
	if code != CodeNone {
		t.Fatalf("Uninstall after unlock: %v", code)
	}
	status := waitForTerminal(t, ch, uh)
	if status.Status != events.StatusSuccess {
		t.Fatalf("uninstall status = %v, %s", status.Status, status.Details)
	}
}
