package regent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Regent server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Regent governance API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("regent: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Jobs and the dead-letter queue
// ---------------------------------------------------------------------------

// RegisterJob registers a new scheduled job.
func (c *Client) RegisterJob(ctx context.Context, req RegisterJobRequest) (*JobDefinition, error) {
	var resp JobDefinition
	if err := c.post(ctx, "/v1/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs retrieves every registered job definition.
func (c *Client) ListJobs(ctx context.Context) ([]JobDefinition, error) {
	var resp struct {
		Jobs []JobDefinition `json:"jobs"`
	}
	if err := c.get(ctx, "/v1/jobs", &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// EnableJob re-enables a disabled job.
func (c *Client) EnableJob(ctx context.Context, jobID string) error {
	return c.post(ctx, "/v1/jobs/"+url.PathEscape(jobID)+"/enable", nil, nil)
}

// DisableJob stops future firings of a job. In-flight executions finish.
func (c *Client) DisableJob(ctx context.Context, jobID string) error {
	return c.post(ctx, "/v1/jobs/"+url.PathEscape(jobID)+"/disable", nil, nil)
}

// ListDLQ retrieves dead-lettered executions, oldest first.
func (c *Client) ListDLQ(ctx context.Context) ([]DLQEntry, error) {
	var resp struct {
		Entries []DLQEntry `json:"entries"`
	}
	if err := c.get(ctx, "/v1/dlq", &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ReplayDLQEntry re-queues a dead-lettered execution with a fresh retry budget.
func (c *Client) ReplayDLQEntry(ctx context.Context, entryID uuid.UUID) (*JobExecution, error) {
	var resp JobExecution
	if err := c.post(ctx, "/v1/dlq/"+entryID.String()+"/replay", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PurgeDLQ drops every DLQ entry and returns the count removed.
func (c *Client) PurgeDLQ(ctx context.Context) (int64, error) {
	var resp struct {
		Purged int64 `json:"purged"`
	}
	if err := c.post(ctx, "/v1/dlq/purge", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}

// ---------------------------------------------------------------------------
// Runs and tickets
// ---------------------------------------------------------------------------

// StartRun starts a workflow run. The run executes asynchronously; poll
// GetRun or watch the returned run's status.
func (c *Client) StartRun(ctx context.Context, workflow string, input map[string]any) (*Run, error) {
	body := map[string]any{"workflow": workflow}
	if input != nil {
		body["input"] = input
	}
	var resp Run
	if err := c.post(ctx, "/v1/runs", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves a run with its full step event history.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*RunDetail, error) {
	var resp RunDetail
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns retrieves runs, newest first, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string, opts *ListOptions) ([]Run, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	addListOptions(params, opts)

	var resp struct {
		Runs []Run `json:"runs"`
	}
	if err := c.get(ctx, withQuery("/v1/runs", params), &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// CancelRun cancels a non-terminal run. Conflicts (run already terminal)
// surface via IsConflict.
func (c *Client) CancelRun(ctx context.Context, runID uuid.UUID, reason string) (*Run, error) {
	var body any
	if reason != "" {
		body = map[string]any{"reason": reason}
	}
	var resp Run
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/cancel", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTickets retrieves tickets by status ("pending" when empty).
func (c *Client) ListTickets(ctx context.Context, status string, opts *ListOptions) ([]Ticket, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	addListOptions(params, opts)

	var resp struct {
		Tickets []Ticket `json:"tickets"`
	}
	if err := c.get(ctx, withQuery("/v1/tickets", params), &resp); err != nil {
		return nil, err
	}
	return resp.Tickets, nil
}

// DecideTicket approves or rejects a pending ticket. Tickets are decided at
// most once; a second decision surfaces via IsConflict.
func (c *Client) DecideTicket(ctx context.Context, ticketID uuid.UUID, approve bool, decidedBy string, payload map[string]any) (*Ticket, error) {
	body := map[string]any{
		"approve":    approve,
		"decided_by": decidedBy,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Ticket
	if err := c.post(ctx, "/v1/tickets/"+ticketID.String()+"/decide", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Governance gate
// ---------------------------------------------------------------------------

// Evaluate runs a proposed action through the governance ladder and returns
// the immutable decision record.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*GateDecision, error) {
	var resp GateDecision
	if err := c.post(ctx, "/v1/gate/evaluate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDecisions retrieves gate decisions, newest first.
func (c *Client) ListDecisions(ctx context.Context, opts *ListOptions) ([]GateDecision, error) {
	params := url.Values{}
	addListOptions(params, opts)

	var resp struct {
		Decisions []GateDecision `json:"decisions"`
	}
	if err := c.get(ctx, withQuery("/v1/gate/decisions", params), &resp); err != nil {
		return nil, err
	}
	return resp.Decisions, nil
}

// ---------------------------------------------------------------------------
// Autonomy loop and breakers
// ---------------------------------------------------------------------------

// AutonomyStatus retrieves the loop's state snapshot.
func (c *Client) AutonomyStatus(ctx context.Context) (*AutonomyState, error) {
	var resp AutonomyState
	if err := c.get(ctx, "/v1/autonomy", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PauseAutonomy pauses the loop. Ticks become no-ops until resumed.
func (c *Client) PauseAutonomy(ctx context.Context) (*AutonomyState, error) {
	var resp AutonomyState
	if err := c.post(ctx, "/v1/autonomy/pause", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResumeAutonomy resumes a paused loop and resets its error counter.
func (c *Client) ResumeAutonomy(ctx context.Context) (*AutonomyState, error) {
	var resp AutonomyState
	if err := c.post(ctx, "/v1/autonomy/resume", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnqueueWork queues a work item for the autonomy loop. The server rejects
// the request when no work queue is configured on that deployment.
func (c *Client) EnqueueWork(ctx context.Context, item WorkItem) (*AutonomyState, error) {
	var resp AutonomyState
	if err := c.post(ctx, "/v1/autonomy/queue", item, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearAutonomyQueue drops all queued autonomous work and returns the count.
func (c *Client) ClearAutonomyQueue(ctx context.Context) (int64, error) {
	var resp struct {
		Dropped int64 `json:"dropped"`
	}
	if err := c.post(ctx, "/v1/autonomy/queue/clear", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Dropped, nil
}

// ListAuditEntries retrieves autonomy audit entries, newest first.
func (c *Client) ListAuditEntries(ctx context.Context, opts *ListOptions) ([]AuditEntry, error) {
	params := url.Values{}
	addListOptions(params, opts)

	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	if err := c.get(ctx, withQuery("/v1/autonomy/audit", params), &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ListBreakers snapshots every circuit breaker.
func (c *Client) ListBreakers(ctx context.Context) ([]BreakerSnapshot, error) {
	var resp struct {
		Breakers []BreakerSnapshot `json:"breakers"`
	}
	if err := c.get(ctx, "/v1/breakers", &resp); err != nil {
		return nil, err
	}
	return resp.Breakers, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

func addListOptions(params url.Values, opts *ListOptions) {
	if opts == nil {
		return
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("regent: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("regent: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("regent: create request: %w", err)
	}
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("regent: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("regent: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("regent: decode response: %w", err)
	}
	return nil
}

// errorEnvelope is the server's standard error response body.
type errorEnvelope struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		apiErr.Code = envelope.Code
		apiErr.Message = envelope.Error
		apiErr.RequestID = envelope.RequestID
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
