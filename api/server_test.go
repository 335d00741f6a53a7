package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	janus "github.com/maksidze/janus"
	"github.com/maksidze/janus/events"
	"github.com/maksidze/janus/flash"
	"github.com/maksidze/janus/jobs"
	"github.com/maksidze/janus/layout"
)

// testInventory serves both the jobs.Inventory and api.Inventory
// surfaces from fixed data.
type testInventory struct {
	drives []janus.Drive
	images []janus.Image
}

func (f *testInventory) ListDrives(context.Context, bool) ([]janus.Drive, error) {
	return f.drives, nil
}

func (f *testInventory) ListImages() ([]janus.Image, error) { return f.images, nil }

func (f *testInventory) FindImage(name string) (*janus.Image, error) {
	for i := range f.images {
		if f.images[i].Name == name {
			return &f.images[i], nil
		}
	}
	return nil, nil
}

func (f *testInventory) ListPorts(context.Context) ([]janus.PortEntry, error) { return nil, nil }

func (f *testInventory) ListPhysicalPorts(context.Context) ([]janus.Port, error) { return nil, nil }

func (f *testInventory) Unmount(context.Context, string) error { return nil }

func (f *testInventory) Eject(context.Context, string) error { return nil }

type testLayouts struct{ store *layout.Store }

func (l *testLayouts) Current() janus.Layout { return l.store.Current() }

type quickFlasher struct{}

func (quickFlasher) Write(_ context.Context, _, _ string, onUpdate flash.UpdateFunc, _ flash.LogFunc, _ <-chan struct{}) bool {
	onUpdate(janus.StageUpdate{Progress: 1.0})
	return true
}
func (quickFlasher) Verify(context.Context, string, string, flash.UpdateFunc, flash.LogFunc, <-chan struct{}) bool {
	return true
}
func (quickFlasher) Expand(context.Context, string, flash.UpdateFunc, flash.LogFunc, <-chan struct{}) bool {
	return true
}
func (quickFlasher) Resize(context.Context, string, flash.UpdateFunc, flash.LogFunc, <-chan struct{}) bool {
	return true
}

func newTestServer(t *testing.T) (*Server, *events.Bus, *layout.Store) {
	t.Helper()

	store := layout.NewStore(t.TempDir(), nil)
	grid := layout.Default()
	grid.Cells[0].PortID = "/dev/sdb"
	if err := store.Save(grid); err != nil {
		t.Fatal(err)
	}

	inv := &testInventory{
		drives: []janus.Drive{{DevicePath: "/dev/sdb", SizeBytes: 4 << 30, Removable: true}},
		images: []janus.Image{{Name: "raspios.img", Path: "/images/raspios.img"}},
	}
	bus := events.New(nil)
	manager, err := jobs.New(jobs.Dependencies{
		Bus:       bus,
		Layouts:   &testLayouts{store: store},
		Inventory: inv,
		Flash:     quickFlasher{},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(manager, store, inv, bus, nil), bus, store
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestGetLayout(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/api/layout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var l janus.Layout
	if err := json.Unmarshal(rec.Body.Bytes(), &l); err != nil {
		t.Fatal(err)
	}
	if len(l.Cells) != 8 {
		t.Fatalf("cells = %d, want 8", len(l.Cells))
	}
}

func TestPutLayoutValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "PUT", "/api/layout", janus.Layout{
		Cells: []janus.Cell{{CellID: "A1"}, {CellID: "A1"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate cells: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, srv, "PUT", "/api/layout", janus.Layout{
		Rows: 1, Cols: 1, Cells: []janus.Cell{{CellID: "A1"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid layout: status = %d, want 200", rec.Code)
	}
}

func TestLayoutExportImportHTTPRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/api/layout/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "layout.json") {
		t.Fatalf("content-disposition = %q", cd)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "layout.json")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(rec.Body.Bytes())
	mw.Close()

	req := httptest.NewRequest("POST", "/api/layout/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("import status = %d: %s", rec2.Code, rec2.Body.String())
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/api/jobs/job_NOPE", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBatchStartAndJobLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/batch/start", janus.BatchStartRequest{
		ImageName: "raspios.img", CellIDs: []string{"A1"}, Concurrency: 1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var created []janus.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 {
		t.Fatalf("created = %d jobs, want 1", len(created))
	}

	jobID := created[0].JobID
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(t, srv, "GET", "/api/jobs/"+jobID, nil)
		var job janus.Job
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			t.Fatal(err)
		}
		if job.State == janus.StateDone {
			// Cancel of a terminal job is a 404 per contract.
			rec = doJSON(t, srv, "POST", "/api/jobs/"+jobID+"/cancel", nil)
			if rec.Code != http.StatusNotFound {
				t.Fatalf("cancel terminal: status = %d, want 404", rec.Code)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not complete")
}

func TestBatchStartValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/api/batch/start", map[string]any{"cell_ids": []string{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRetryNotRetryable(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/api/jobs/job_NOPE/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestEjectCellBadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/api/cells/A7/eject", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (cell A7 is not in the layout)", rec.Code)
	}
}

func TestDrivesEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/api/drives?removable=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var drives []janus.Drive
	if err := json.Unmarshal(rec.Body.Bytes(), &drives); err != nil {
		t.Fatal(err)
	}
	if len(drives) != 1 {
		t.Fatalf("drives = %d, want 1", len(drives))
	}
}

func TestEventStream(t *testing.T) {
	srv, bus, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	// Wait for the subscription to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if bus.SubscriberCount() == 0 {
		t.Fatal("subscriber never registered")
	}
	bus.Publish("job_update", map[string]string{"job_id": "job_X"})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v (lines so far: %v)", err, lines)
		}
		line = strings.TrimRight(line, "\n")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if lines[0] != "event: job_update" {
		t.Fatalf("frame line 1 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "data: ") || !strings.Contains(lines[1], "job_X") {
		t.Fatalf("frame line 2 = %q", lines[1])
	}
}

func TestEventStreamDisconnectUnsubscribes(t *testing.T) {
	srv, bus, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	resp.Body.Close()

	deadline = time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count after disconnect = %d, want 0", got)
	}
}
