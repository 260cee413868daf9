package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kappa9999/routeagent/internal/audit"
	"github.com/kappa9999/routeagent/internal/pipeline"
	"github.com/kappa9999/routeagent/internal/policy"
)

func newTestServer(t *testing.T) (*Server, *audit.MemoryStore, *pipeline.Pipeline) {
	t.Helper()
	store := audit.NewMemoryStore()
	access := policy.NewAccessor(&policy.Snapshot{
		Policy:      &policy.FirmPolicy{SchemaVersion: 1},
		Preferences: &policy.UserPreferences{},
		LoadedAt:    time.Now().UTC(),
	})
	pipe, err := pipeline.New(pipeline.Options{
		Store:             store,
		Snapshots:         access,
		DetectionCapacity: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	// The pipeline is deliberately not started so enqueued work stays
	// visible to the status endpoint.
	srv := NewServer(ServerOptions{
		Store:     store,
		Pipeline:  pipe,
		Snapshots: access,
	})
	return srv, store, pipe
}

func doJSON(t *testing.T, srv *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: invalid json response %q", method, target, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec, body := doJSON(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, pipe := newTestServer(t)
	pipe.Roots().Set("/srv/exchange", pipeline.RootAvailable, "")
	pipe.Scheduler().RequestPriorityScan("/srv/exchange")

	rec, body := doJSON(t, srv, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if body["safeMode"] != false {
		t.Fatalf("safeMode = %v", body["safeMode"])
	}
	queues, ok := body["queues"].(map[string]any)
	if !ok || len(queues) != 4 {
		t.Fatalf("queues = %v", body["queues"])
	}
	if body["priorityScansQueued"] != float64(1) {
		t.Fatalf("priorityScansQueued = %v", body["priorityScansQueued"])
	}
	roots, ok := body["roots"].([]any)
	if !ok || len(roots) != 1 {
		t.Fatalf("roots = %v", body["roots"])
	}
}

func TestPendingEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	if _, _, err := store.SavePendingItem(ctx, audit.PendingItem{
		SourcePath:  "/srv/exchange/site.dwg",
		Fingerprint: "fp",
		Status:      audit.StatusPending,
		DetectedUTC: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	rec, body := doJSON(t, srv, http.MethodGet, "/v1/pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	items, ok := body["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("items = %v", body["items"])
	}
}

func TestAuditEventsEndpointHonorsLimit(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.AppendEvent(ctx, audit.Event{
			Type:         audit.EventAgentStartup,
			TimestampUTC: time.Now().UTC(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	rec, body := doJSON(t, srv, http.MethodGet, "/v1/audit/events?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	events, ok := body["events"].([]any)
	if !ok || len(events) != 2 {
		t.Fatalf("events = %v", body["events"])
	}

	// Junk limits fall back to the default rather than erroring.
	rec, body = doJSON(t, srv, http.MethodGet, "/v1/audit/events?limit=junk", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if events, ok = body["events"].([]any); !ok || len(events) != 5 {
		t.Fatalf("events = %v", body["events"])
	}
}

func TestManualDetectionEndpoint(t *testing.T) {
	srv, _, pipe := newTestServer(t)

	rec, body := doJSON(t, srv, http.MethodPost, "/v1/detections", `{"sourcePath":"/srv/exchange/site.dwg"}`)
	if rec.Code != http.StatusAccepted || body["queued"] != true {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
	if pipe.Depths()["detection"] != 1 {
		t.Fatalf("depth = %d", pipe.Depths()["detection"])
	}

	// Missing sourcePath is a 400.
	rec, body = doJSON(t, srv, http.MethodPost, "/v1/detections", `{}`)
	if rec.Code != http.StatusBadRequest || body["code"] != "bad_request" {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}

	// Fill the 2-slot queue, then expect backpressure.
	doJSON(t, srv, http.MethodPost, "/v1/detections", `{"sourcePath":"/srv/exchange/b.dwg"}`)
	rec, body = doJSON(t, srv, http.MethodPost, "/v1/detections", `{"sourcePath":"/srv/exchange/c.dwg"}`)
	if rec.Code != http.StatusTooManyRequests || body["code"] != "queue_full" {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("backpressure response must carry Retry-After")
	}
}

func TestPriorityScanEndpoint(t *testing.T) {
	srv, _, pipe := newTestServer(t)

	rec, body := doJSON(t, srv, http.MethodPost, "/v1/scans/priority", `{"rootPath":"/srv/exchange"}`)
	if rec.Code != http.StatusAccepted || body["queued"] != true {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
	// Duplicate request: accepted but not queued again.
	rec, body = doJSON(t, srv, http.MethodPost, "/v1/scans/priority", `{"rootPath":"/srv/exchange"}`)
	if rec.Code != http.StatusAccepted || body["queued"] != false {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
	if pipe.Scheduler().Depth() != 1 {
		t.Fatalf("depth = %d", pipe.Scheduler().Depth())
	}

	rec, _ = doJSON(t, srv, http.MethodPost, "/v1/scans/priority", `{"rootPath":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestBadJSONAndUnknownRoute(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, body := doJSON(t, srv, http.MethodPost, "/v1/detections", `{not json`)
	if rec.Code != http.StatusBadRequest || body["code"] != "bad_request" {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}

	rec, body = doJSON(t, srv, http.MethodGet, "/v1/nope", "")
	if rec.Code != http.StatusNotFound || body["code"] != "not_found" {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}

	// Wrong method on a known route is also a 404 in this router.
	rec, _ = doJSON(t, srv, http.MethodDelete, "/v1/pending", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	store := audit.NewMemoryStore()
	access := policy.NewAccessor(&policy.Snapshot{
		Policy:      &policy.FirmPolicy{},
		Preferences: &policy.UserPreferences{},
	})
	pipe, err := pipeline.New(pipeline.Options{Store: store, Snapshots: access})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(ServerOptions{
		Store:        store,
		Pipeline:     pipe,
		Snapshots:    access,
		MaxBodyBytes: 64,
	})

	big := `{"sourcePath":"` + strings.Repeat("x", 200) + `"}`
	rec, body := doJSON(t, srv, http.MethodPost, "/v1/detections", big)
	if rec.Code != http.StatusRequestEntityTooLarge || body["code"] != "body_too_large" {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
}
