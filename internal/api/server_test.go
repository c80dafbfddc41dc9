package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/takrelay/internal/audit"
	"github.com/fieldsight/takrelay/internal/classify"
	"github.com/fieldsight/takrelay/internal/cot"
	"github.com/fieldsight/takrelay/internal/db"
	"github.com/fieldsight/takrelay/internal/dispatch"
	"github.com/fieldsight/takrelay/internal/hold"
	"github.com/fieldsight/takrelay/internal/monitoring"
	"github.com/fieldsight/takrelay/internal/queue"
	"github.com/fieldsight/takrelay/internal/sink"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS delivery_queue (
    detection_id      TEXT PRIMARY KEY,
    payload           BLOB NOT NULL,
    status            TEXT NOT NULL DEFAULT 'PENDING',
    retry_count       INTEGER NOT NULL DEFAULT 0,
    batch_id          TEXT,
    enqueued_unix     DOUBLE NOT NULL,
    claimed_unix      DOUBLE,
    last_attempt_unix DOUBLE,
    next_attempt_unix DOUBLE NOT NULL DEFAULT 0,
    last_error        TEXT
);
CREATE TABLE IF NOT EXISTS audit_events (
    audit_id      INTEGER PRIMARY KEY AUTOINCREMENT,
    detection_id  TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    detail        TEXT,
    recorded_unix DOUBLE NOT NULL
);
CREATE TABLE IF NOT EXISTS review_holds (
    detection_id   TEXT PRIMARY KEY,
    detection_json TEXT NOT NULL,
    reason         TEXT NOT NULL,
    detail         TEXT,
    held_unix      DOUBLE NOT NULL,
    released_by    TEXT,
    released_unix  DOUBLE
);`

type apiFixture struct {
	mux  *http.ServeMux
	sink *sink.MockSink
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	relayDB, err := db.Open(filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	_, err = relayDB.Exec(testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { relayDB.Close() })

	log := audit.NewLog(relayDB.DB)
	q := queue.New(relayDB.DB, log, queue.Config{MaxSize: 2})
	holds := hold.NewStore(relayDB.DB)
	mock := sink.NewMockSink()
	d := dispatch.New(classify.NewTable(nil, classify.Thresholds{}),
		cot.NewEncoder(5*time.Minute), q, holds, log, mock, nil)

	server := NewServer(d, q, holds, log, monitoring.NewMetrics())
	return &apiFixture{mux: server.ServeMux(), sink: mock}
}

func detectionBody(lat float64, accuracy float64) string {
	body, _ := json.Marshal(map[string]any{
		"sensor_id":   "CAM-ALPHA-02",
		"latitude":    lat,
		"longitude":   37.74219,
		"accuracy_m":  accuracy,
		"confidence":  0.85,
		"class":       "vehicle",
		"captured_at": time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		"terrain":     "sea_level",
	})
	return string(body)
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func postForm(t *testing.T, mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestIngestDelivered(t *testing.T) {
	f := setupAPI(t)

	rec := postJSON(t, f.mux, "/api/detections", detectionBody(48.15, 40))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "DELIVERED", resp.State)
	assert.Equal(t, "TRUSTED", resp.Tier)
	assert.NotEmpty(t, resp.DetectionID)
	assert.Equal(t, 1, f.sink.SentCount())
}

func TestIngestQueuedWhileOffline(t *testing.T) {
	f := setupAPI(t)
	f.sink.ScriptErrors(&sink.TransientError{Err: errors.New("down")})

	rec := postJSON(t, f.mux, "/api/detections", detectionBody(48.15, 40))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "QUEUED", resp.State)
}

func TestIngestRejectsInvalidDetection(t *testing.T) {
	f := setupAPI(t)

	// Structurally broken payloads never reach the pipeline.
	rec := postJSON(t, f.mux, "/api/detections", `{"sensor_id": "x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, f.mux, "/api/detections", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Schema-valid but semantically out of range: rejected with a reason code.
	rec = postJSON(t, f.mux, "/api/detections", detectionBody(500, 40))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "REJECTED_VALIDATION", resp.State)
	assert.Equal(t, "latitude_out_of_range", resp.Reason)
	assert.Equal(t, 0, f.sink.SentCount())
}

func TestIngestBackpressureWhenQueueFull(t *testing.T) {
	f := setupAPI(t)
	down := &sink.TransientError{Err: errors.New("down")}
	f.sink.ScriptErrors(down, down, down)

	require.Equal(t, http.StatusAccepted, postJSON(t, f.mux, "/api/detections", detectionBody(48.15, 40)).Code)
	require.Equal(t, http.StatusAccepted, postJSON(t, f.mux, "/api/detections", detectionBody(48.16, 40)).Code)

	rec := postJSON(t, f.mux, "/api/detections", detectionBody(48.17, 40))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestIngestMethodNotAllowed(t *testing.T) {
	f := setupAPI(t)
	assert.Equal(t, http.StatusMethodNotAllowed, get(t, f.mux, "/api/detections").Code)
}

func TestQueueStats(t *testing.T) {
	f := setupAPI(t)
	f.sink.ScriptErrors(&sink.TransientError{Err: errors.New("down")})
	require.Equal(t, http.StatusAccepted, postJSON(t, f.mux, "/api/detections", detectionBody(48.15, 40)).Code)

	rec := get(t, f.mux, "/api/queue")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Size      int `json:"size"`
		Failed    int `json:"failed_permanent"`
		OpenHolds int `json:"open_holds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, stats.OpenHolds)
}

func TestHoldLifecycleOverHTTP(t *testing.T) {
	f := setupAPI(t)

	// Accuracy beyond the red ceiling: held, not delivered.
	rec := postJSON(t, f.mux, "/api/detections", detectionBody(48.15, 480))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "HELD_CLASSIFICATION", resp.State)
	assert.Equal(t, 0, f.sink.SentCount())

	rec = get(t, f.mux, "/api/holds")
	require.Equal(t, http.StatusOK, rec.Code)
	var holds []holdAPI
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &holds))
	require.Len(t, holds, 1)
	assert.Equal(t, resp.DetectionID, holds[0].DetectionID)

	rec = postForm(t, f.mux, "/api/holds/release", url.Values{
		"detection_id": {resp.DetectionID},
		"operator":     {"operator-7"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var released ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &released))
	assert.Equal(t, "DELIVERED", released.State)
	assert.Equal(t, "REJECTED", released.Tier)
	assert.Equal(t, 1, f.sink.SentCount())

	// Releasing twice, or a hold that never existed, is a 404.
	rec = postForm(t, f.mux, "/api/holds/release", url.Values{
		"detection_id": {resp.DetectionID},
		"operator":     {"operator-7"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReleaseHoldRequiresFields(t *testing.T) {
	f := setupAPI(t)
	rec := postForm(t, f.mux, "/api/holds/release", url.Values{"detection_id": {"x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequeueUnknownEntry(t *testing.T) {
	f := setupAPI(t)
	rec := postForm(t, f.mux, "/api/queue/requeue", url.Values{
		"detection_id": {"does-not-exist"},
		"operator":     {"operator-7"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditTrailEndpoint(t *testing.T) {
	f := setupAPI(t)

	rec := postJSON(t, f.mux, "/api/detections", detectionBody(48.15, 40))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = get(t, f.mux, "/api/audit?detection_id="+resp.DetectionID)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []auditEventAPI
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, "received", events[0].Type)
	assert.Equal(t, "delivered", events[len(events)-1].Type)

	rec = get(t, f.mux, "/api/audit")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupAPI(t)
	rec := get(t, f.mux, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
