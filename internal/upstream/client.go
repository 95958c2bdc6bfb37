package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/tmorrisey/formflow/pkg/models"
)

// Sentinel errors for extraction backend failures.
var (
	ErrUnreachable = errors.New("extraction backend unreachable")
	ErrTimeout     = errors.New("extraction backend timeout")
	ErrBackend     = errors.New("extraction backend error")
	ErrJobNotFound = errors.New("job not found")
)

// ExtractPhase selects which stage of the per-form pipeline the backend runs.
// Wire values match the backend contract.
type ExtractPhase string

const (
	PhaseTableExtract ExtractPhase = "python"
	PhaseAICorrect    ExtractPhase = "gemini"
)

// UploadFile is one file in a bulk extraction submission.
type UploadFile struct {
	Filename string
	Content  io.Reader
}

// ExtractFormResult is the backend response to a per-form extraction call.
type ExtractFormResult struct {
	Success  bool            `json:"success"`
	Detail   string          `json:"detail,omitempty"`
	Metadata ExtractMetadata `json:"metadata"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ExtractMetadata carries backend bookkeeping about an extraction.
type ExtractMetadata struct {
	Corrected bool `json:"gemini_corrected"`
}

// Client is the interface for talking to the extraction backend.
type Client interface {
	GetJobStatus(ctx context.Context, jobID string) (*models.Job, error)
	GetJobResults(ctx context.Context, jobID string) (json.RawMessage, error)
	ListJobFiles(ctx context.Context, jobID string) ([]models.SplitFile, error)
	SubmitBulk(ctx context.Context, files []UploadFile, mode string) (string, error)
	ExtractForm(ctx context.Context, ref models.FormRef, phase ExtractPhase) (*ExtractFormResult, error)
	GetExtractedData(ctx context.Context, ref models.FormRef) (*ExtractFormResult, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Client against the backend's REST API. All calls
// pass through a shared rate limiter and circuit breaker; bulk submission
// additionally retries transient failures.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	guard   *callGuard
}

// NewHTTPClient creates a new extraction backend client.
func NewHTTPClient(baseURL string, timeout time.Duration, requestsPerSec float64, burst int) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		guard:   newCallGuard(requestsPerSec, burst),
	}
}

func (c *HTTPClient) GetJobStatus(ctx context.Context, jobID string) (*models.Job, error) {
	u := fmt.Sprintf("%s/extraction/status/%s", c.baseURL, url.PathEscape(jobID))

	var job models.Job
	if err := c.getJSON(ctx, u, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return &job, nil
}

func (c *HTTPClient) GetJobResults(ctx context.Context, jobID string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/extraction/results/%s", c.baseURL, url.PathEscape(jobID))

	var body struct {
		Results json.RawMessage `json:"results"`
	}
	if err := c.getJSON(ctx, u, &body); err != nil {
		return nil, err
	}
	return body.Results, nil
}

func (c *HTTPClient) ListJobFiles(ctx context.Context, jobID string) ([]models.SplitFile, error) {
	u := fmt.Sprintf("%s/extraction/files/%s", c.baseURL, url.PathEscape(jobID))

	var body struct {
		Files []models.SplitFile `json:"files"`
	}
	if err := c.getJSON(ctx, u, &body); err != nil {
		return nil, err
	}
	if body.Files == nil {
		return []models.SplitFile{}, nil
	}
	return body.Files, nil
}

// SubmitBulk uploads files for bulk extraction and returns the backend job id.
// Transient failures (network, 5xx, 429) are retried with backoff; the job is
// only created once the backend acknowledges, so retrying the POST is safe.
func (c *HTTPClient) SubmitBulk(ctx context.Context, files []UploadFile, mode string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no files to submit", ErrBackend)
	}

	// Buffer the multipart body once so retries can replay it.
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Filename)
		if err != nil {
			return "", fmt.Errorf("building multipart body: %w", err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return "", fmt.Errorf("reading %s: %w", f.Filename, err)
		}
	}
	if err := w.WriteField("extract_mode", mode); err != nil {
		return "", fmt.Errorf("building multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("building multipart body: %w", err)
	}

	u := fmt.Sprintf("%s/extraction/extract/bulk", c.baseURL)

	var jobID string
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf.Bytes()))
			if err != nil {
				return fmt.Errorf("building request: %w", err)
			}
			req.Header.Set("Content-Type", w.FormDataContentType())

			var body struct {
				JobID string `json:"job_id"`
			}
			if err := c.doJSON(req, &body); err != nil {
				return err
			}
			if body.JobID == "" {
				return fmt.Errorf("%w: submit response missing job_id", ErrBackend)
			}
			jobID = body.JobID
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", err
	}
	return jobID, nil
}

func (c *HTTPClient) ExtractForm(ctx context.Context, ref models.FormRef, phase ExtractPhase) (*ExtractFormResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"company_name":   ref.Company,
		"pdf_name":       ref.PDFName,
		"split_filename": ref.SplitFilename,
		"user_id":        ref.UserID,
		"phase":          string(phase),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("building multipart body: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}

	u := fmt.Sprintf("%s/pdf-splitter/extract-form", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var result ExtractFormResult
	if err := c.doJSON(req, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		detail := result.Detail
		if detail == "" {
			detail = "extraction failed"
		}
		return nil, fmt.Errorf("%w: %s", ErrBackend, detail)
	}
	return &result, nil
}

func (c *HTTPClient) GetExtractedData(ctx context.Context, ref models.FormRef) (*ExtractFormResult, error) {
	u := fmt.Sprintf("%s/pdf-splitter/%s/%s/%s/extraction",
		c.baseURL,
		url.PathEscape(ref.Company),
		url.PathEscape(ref.PDFName),
		url.PathEscape(ref.SplitFilename))

	var result ExtractFormResult
	if err := c.getJSON(ctx, u, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: backend not ready (status %d)", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.doJSON(req, out)
}

// doJSON executes a request through the guard and decodes the JSON response.
func (c *HTTPClient) doJSON(req *http.Request, out any) error {
	resp, err := c.guard.do(req.Context(), func() (*http.Response, error) {
		return c.client.Do(req)
	})
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrJobNotFound
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted:
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding backend response: %w", err)
	}
	return nil
}

// StatusError is a non-2xx, non-404 backend response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("extraction backend error: status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return ErrBackend }

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrBackend) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
