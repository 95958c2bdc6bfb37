package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmorrisey/formflow/internal/api"
	"github.com/tmorrisey/formflow/internal/api/handler"
	mw "github.com/tmorrisey/formflow/internal/api/middleware"
	"github.com/tmorrisey/formflow/internal/cache"
	"github.com/tmorrisey/formflow/internal/metrics"
	"github.com/tmorrisey/formflow/internal/store"
	"github.com/tmorrisey/formflow/internal/tracker"
	"github.com/tmorrisey/formflow/internal/upstream"
	"github.com/tmorrisey/formflow/pkg/models"
)

// ─── mock backend ────────────────────────────────────────────────────────────

type mockBackend struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	results     map[string]json.RawMessage
	files       map[string][]models.SplitFile
	corrected   map[string]bool
	submitErr   error
	extractErr  error
	statusCalls int
	submitted   [][]string
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		jobs:      make(map[string]*models.Job),
		results:   make(map[string]json.RawMessage),
		files:     make(map[string][]models.SplitFile),
		corrected: make(map[string]bool),
	}
}

func (b *mockBackend) GetJobStatus(_ context.Context, jobID string) (*models.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	if j, ok := b.jobs[jobID]; ok {
		cp := *j
		return &cp, nil
	}
	return nil, upstream.ErrJobNotFound
}

func (b *mockBackend) GetJobResults(_ context.Context, jobID string) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.results[jobID]; ok {
		return r, nil
	}
	return nil, upstream.ErrJobNotFound
}

func (b *mockBackend) ListJobFiles(_ context.Context, jobID string) ([]models.SplitFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.files[jobID]; ok {
		return f, nil
	}
	return nil, upstream.ErrJobNotFound
}

func (b *mockBackend) SubmitBulk(_ context.Context, files []upstream.UploadFile, _ string) (string, error) {
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Filename)
	}
	b.submitted = append(b.submitted, names)
	return "job-new-1", nil
}

func (b *mockBackend) ExtractForm(_ context.Context, ref models.FormRef, _ upstream.ExtractPhase) (*upstream.ExtractFormResult, error) {
	if b.extractErr != nil {
		return nil, b.extractErr
	}
	return &upstream.ExtractFormResult{
		Success: true,
		Data:    json.RawMessage(`{"form": "` + ref.SplitFilename + `"}`),
	}, nil
}

func (b *mockBackend) GetExtractedData(_ context.Context, ref models.FormRef) (*upstream.ExtractFormResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &upstream.ExtractFormResult{
		Success:  true,
		Metadata: upstream.ExtractMetadata{Corrected: b.corrected[ref.SplitFilename]},
		Data:     json.RawMessage(`{}`),
	}, nil
}

func (b *mockBackend) Ready(_ context.Context) error { return nil }

var _ upstream.Client = (*mockBackend)(nil)

// ─── mock history service ────────────────────────────────────────────────────

type mockHistory struct {
	mu       sync.Mutex
	entries  map[string]*models.HistoryEntry
	tracked  []string
	cleared  []string
	loadErr  error
	clearErr error
}

func newMockHistory() *mockHistory {
	return &mockHistory{entries: make(map[string]*models.HistoryEntry)}
}

func (h *mockHistory) Add(_ context.Context, entry *models.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[entry.ID]; ok {
		return nil // dedup: first write wins
	}
	h.entries[entry.ID] = entry
	return nil
}

func (h *mockHistory) TrackJob(_, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracked = append(h.tracked, jobID)
}

func (h *mockHistory) LoadUserHistory(_ context.Context, userID string) ([]*models.HistoryEntry, error) {
	if h.loadErr != nil {
		return nil, h.loadErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*models.HistoryEntry
	for _, e := range h.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *mockHistory) LoadHistoryItem(_ context.Context, userID, jobID string) (*models.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[jobID]; ok && e.UserID == userID {
		return e, nil
	}
	return nil, store.ErrNotFound
}

func (h *mockHistory) ClearAll(_ context.Context, userID string) error {
	if h.clearErr != nil {
		return h.clearErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleared = append(h.cleared, userID)
	return nil
}

// ─── mock cache ──────────────────────────────────────────────────────────────

type mockCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	statuses map[string]string
	counters map[string]int64
}

func newMockCache() *mockCache {
	return &mockCache{
		values:   make(map[string][]byte),
		statuses: make(map[string]string),
		counters: make(map[string]int64),
	}
}

func (c *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *mockCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *mockCache) Ping(_ context.Context) error { return nil }

func (c *mockCache) SetJobStatus(_ context.Context, jobID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}

func (c *mockCache) GetJobStatus(_ context.Context, jobID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[jobID]
	return s, ok, nil
}

func (c *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

var _ cache.Cache = (*mockCache)(nil)

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server  *httptest.Server
	backend *mockBackend
	history *mockHistory
	cache   *mockCache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	backend := newMockBackend()
	hist := newMockHistory()
	mc := newMockCache()
	m := metrics.New("test")
	batches := tracker.New(backend, 1)

	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(mc, 10), // low limit for rate-limit tests
		Metrics:   m,

		BulkExtractHandler: handler.NewBulkExtractHandler(backend, hist, m),
		JobStatusHandler:   handler.NewJobStatusHandler(backend, mc, m),
		JobResultsHandler:  handler.NewJobResultsHandler(backend),
		JobFilesHandler:    handler.NewJobFilesHandler(backend),

		FormExtractHandler:  handler.NewFormExtractHandler(batches, m),
		FormDeselectHandler: handler.NewFormDeselectHandler(batches),

		HistoryListHandler:  handler.NewHistoryListHandler(hist),
		HistoryItemHandler:  handler.NewHistoryItemHandler(hist),
		HistorySaveHandler:  handler.NewHistorySaveHandler(hist),
		HistoryClearHandler: handler.NewHistoryClearHandler(hist),
	}

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	return &testServer{server: srv, backend: backend, history: hist, cache: mc}
}

func (ts *testServer) jsonRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(mw.CallerIDHeader, "user-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) uploadRequest(t *testing.T, filenames []string, mode string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mp := multipart.NewWriter(&buf)
	for _, name := range filenames {
		part, err := mp.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = io.WriteString(part, "%PDF-1.4 fake content")
		require.NoError(t, err)
	}
	if mode != "" {
		require.NoError(t, mp.WriteField("extract_mode", mode))
	}
	require.NoError(t, mp.Close())

	req, err := http.NewRequest("POST", ts.server.URL+"/api/v1/extract/bulk", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mp.FormDataContentType())
	req.Header.Set(mw.CallerIDHeader, "user-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func dataField(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body := parseBody(t, resp)
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "response missing data envelope: %v", body)
	return data
}

func errField(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body := parseBody(t, resp)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "response missing error envelope: %v", body)
	return e
}

// ─── bulk extract ────────────────────────────────────────────────────────────

func TestBulkExtract_SubmitsAndRecordsHistory(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.uploadRequest(t, []string{"a.pdf", "b.pdf"}, "bulk")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	data := dataField(t, resp)
	assert.Equal(t, "job-new-1", data["job_id"])
	assert.Equal(t, float64(2), data["file_count"])

	entry, ok := ts.history.entries["job-new-1"]
	require.True(t, ok, "history entry must be created")
	assert.Equal(t, "user-1", entry.UserID)
	assert.Equal(t, models.HistoryStatusProcessing, entry.Status)
	assert.Equal(t, 2, entry.FileCount)
	assert.Equal(t, []string{"job-new-1"}, ts.history.tracked)
}

func TestBulkExtract_NoFiles(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.uploadRequest(t, nil, "bulk")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errField(t, resp)["code"])
}

func TestBulkExtract_InvalidMode(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.uploadRequest(t, []string{"a.pdf"}, "turbo")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBulkExtract_UpstreamUnreachable(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.submitErr = upstream.ErrUnreachable

	resp := ts.uploadRequest(t, []string{"a.pdf"}, "bulk")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", errField(t, resp)["code"])
	assert.Empty(t, ts.history.tracked, "no watcher for a failed submission")
}

// ─── job status ──────────────────────────────────────────────────────────────

func TestJobStatus_ReportsProgress(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.jobs["job-1"] = &models.Job{
		ID:             "job-1",
		Status:         models.JobStatusProcessing,
		TotalFiles:     10,
		ProcessedFiles: 5,
		CurrentFile:    "page_5.pdf",
	}

	resp := ts.jsonRequest(t, "GET", "/api/v1/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := dataField(t, resp)
	assert.Equal(t, "processing", data["status"])
	assert.Equal(t, float64(50), data["progress_percent"])
	assert.Equal(t, "page_5.pdf", data["current_file"])
}

func TestJobStatus_SecondReadServedFromCache(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.jobs["job-1"] = &models.Job{
		ID: "job-1", Status: models.JobStatusProcessing, TotalFiles: 4, ProcessedFiles: 1,
	}

	resp := ts.jsonRequest(t, "GET", "/api/v1/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.jsonRequest(t, "GET", "/api/v1/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ts.backend.mu.Lock()
	calls := ts.backend.statusCalls
	ts.backend.mu.Unlock()
	assert.Equal(t, 1, calls, "snapshot cache should absorb the second read")
}

func TestJobStatus_NotFound(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.jsonRequest(t, "GET", "/api/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errField(t, resp)["code"])
}

// ─── job results and files ───────────────────────────────────────────────────

func TestJobResults(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.results["job-1"] = json.RawMessage(`{"tables": [1, 2]}`)

	resp := ts.jsonRequest(t, "GET", "/api/v1/jobs/job-1/results", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := dataField(t, resp)
	assert.Equal(t, "job-1", data["job_id"])
	assert.NotNil(t, data["results"])
}

func TestJobFiles(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.files["job-1"] = []models.SplitFile{
		{Filename: "split_1.pdf", Size: 1024, Type: "pdf"},
	}

	resp := ts.jsonRequest(t, "GET", "/api/v1/jobs/job-1/files", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := dataField(t, resp)
	files := data["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "split_1.pdf", files[0].(map[string]any)["filename"])
}

// ─── form extraction batches ─────────────────────────────────────────────────

func TestFormExtract_RunsBothPhases(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.jsonRequest(t, "POST", "/api/v1/forms/extract", map[string]any{
		"company_name": "acme-insurance",
		"pdf_name":     "claims_2024.pdf",
		"forms":        []string{"split_1.pdf", "split_2.pdf"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := dataField(t, resp)
	summaries := data["summaries"].(map[string]any)
	extract := summaries["extract"].(map[string]any)
	assert.Equal(t, float64(2), extract["total"])
	assert.Equal(t, float64(2), extract["succeeded"])
	correct := summaries["correct"].(map[string]any)
	assert.Equal(t, float64(2), correct["succeeded"])

	statuses := data["statuses"].(map[string]any)
	st := statuses["split_1.pdf"].(map[string]any)
	assert.Equal(t, "done", st["extraction"])
	assert.Equal(t, "done", st["correction"])
}

func TestFormExtract_PartialFailureReportedInSummary(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.extractErr = upstream.ErrBackend

	resp := ts.jsonRequest(t, "POST", "/api/v1/forms/extract", map[string]any{
		"company_name": "acme-insurance",
		"pdf_name":     "claims_2024.pdf",
		"forms":        []string{"split_1.pdf", "split_2.pdf"},
		"phases":       []string{"extract"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := dataField(t, resp)
	extract := data["summaries"].(map[string]any)["extract"].(map[string]any)
	assert.Equal(t, float64(2), extract["failed"])
	assert.Equal(t, float64(0), extract["succeeded"])

	messages := data["messages"].(map[string]any)
	assert.Contains(t, messages["extract"], "0 of 2 forms succeeded")
}

func TestFormExtract_UnknownPhase(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.jsonRequest(t, "POST", "/api/v1/forms/extract", map[string]any{
		"company_name": "acme-insurance",
		"pdf_name":     "claims_2024.pdf",
		"forms":        []string{"split_1.pdf"},
		"phases":       []string{"transmogrify"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFormDeselect(t *testing.T) {
	ts := newTestServer(t)

	// Track a form, then deselect it.
	resp := ts.jsonRequest(t, "POST", "/api/v1/forms/extract", map[string]any{
		"company_name": "acme-insurance",
		"pdf_name":     "claims_2024.pdf",
		"forms":        []string{"split_1.pdf"},
		"phases":       []string{"extract"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.jsonRequest(t, "DELETE", "/api/v1/forms/split_1.pdf", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// ─── history ─────────────────────────────────────────────────────────────────

func TestHistorySaveAndList(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.jsonRequest(t, "POST", "/api/v1/history/user-1", map[string]any{
		"job_id":     "job-9",
		"mode":       "bulk",
		"file_count": 3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.jsonRequest(t, "GET", "/api/v1/history/user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := dataField(t, resp)
	entries := data["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "job-9", entries[0].(map[string]any)["id"])
}

func TestHistoryList_EmptyIsNotNull(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.jsonRequest(t, "GET", "/api/v1/history/user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := dataField(t, resp)
	entries, ok := data["entries"].([]any)
	require.True(t, ok, "entries must be an array, got %T", data["entries"])
	assert.Empty(t, entries)
}

func TestHistoryItem_NotFound(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.jsonRequest(t, "GET", "/api/v1/history/user-1/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "HISTORY_NOT_FOUND", errField(t, resp)["code"])
}

func TestHistorySave_MissingJobID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.jsonRequest(t, "POST", "/api/v1/history/user-1", map[string]any{
		"mode": "bulk",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryClear(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.jsonRequest(t, "DELETE", "/api/v1/history/user-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"user-1"}, ts.history.cleared)
}

// ─── rate limiting through the router ────────────────────────────────────────

func TestRateLimit_AppliedPerCaller(t *testing.T) {
	ts := newTestServer(t)

	var last *http.Response
	for i := 0; i < 11; i++ {
		last = ts.jsonRequest(t, "GET", "/api/v1/history/user-1", nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
}
