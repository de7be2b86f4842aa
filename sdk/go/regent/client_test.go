package regent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://localhost:8080/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]string{"status": "ok", "version": "1.2.3"})
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
}

func TestRegisterJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req RegisterJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nightly-report", req.ID)
		assert.Equal(t, "0 3 * * *", req.Schedule)

		writeJSON(t, w, http.StatusCreated, JobDefinition{
			ID:       req.ID,
			Schedule: req.Schedule,
			Handler:  req.Handler,
			Enabled:  true,
		})
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	job, err := c.RegisterJob(context.Background(), RegisterJobRequest{
		ID:       "nightly-report",
		Schedule: "0 3 * * *",
		Handler:  "report",
	})
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", job.ID)
	assert.True(t, job.Enabled)
}

func TestListJobsUnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"jobs": []JobDefinition{{ID: "a"}, {ID: "b"}},
		})
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	jobs, err := c.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
}

func TestListRunsQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "failed", r.URL.Query().Get("status"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "20", r.URL.Query().Get("offset"))
		writeJSON(t, w, http.StatusOK, map[string]any{"runs": []Run{}})
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	_, err := c.ListRuns(context.Background(), "failed", &ListOptions{Limit: 10, Offset: 20})
	require.NoError(t, err)
}

func TestGetRunReturnsDetail(t *testing.T) {
	runID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs/"+runID.String(), r.URL.Path)
		writeJSON(t, w, http.StatusOK, RunDetail{
			Run: Run{ID: runID, Workflow: "deploy", Status: "succeeded"},
			Events: []StepEvent{
				{RunID: runID, SequenceNum: 1, StepName: "plan", Outcome: "succeeded"},
				{RunID: runID, SequenceNum: 2, StepName: "apply", Outcome: "succeeded"},
			},
		})
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	detail, err := c.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "deploy", detail.Run.Workflow)
	require.Len(t, detail.Events, 2)
	assert.Equal(t, int64(2), detail.Events[1].SequenceNum)
}

func TestDecideTicketBody(t *testing.T) {
	ticketID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tickets/"+ticketID.String()+"/decide", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["approve"])
		assert.Equal(t, "ops@example.com", body["decided_by"])

		writeJSON(t, w, http.StatusOK, Ticket{ID: ticketID, Status: "approved"})
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	ticket, err := c.DecideTicket(context.Background(), ticketID, true, "ops@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "approved", ticket.Status)
}

func TestPurgeDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/dlq/purge", r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]int64{"purged": 7})
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	n, err := c.PurgeDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestErrorParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusConflict, map[string]string{
			"error":      "ticket already decided",
			"code":       "conflict",
			"request_id": "req-123",
		})
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	_, err := c.DecideTicket(context.Background(), uuid.New(), false, "ops", nil)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "conflict", apiErr.Code)
	assert.Equal(t, "ticket already decided", apiErr.Message)
	assert.Equal(t, "req-123", apiErr.RequestID)
}

func TestErrorParsingNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	_, err := c.Health(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestRateLimitedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		writeJSON(t, w, http.StatusTooManyRequests, map[string]string{
			"error": "too many requests",
			"code":  "rate_limited",
		})
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	_, err := c.ListBreakers(context.Background())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.AutonomyStatus(ctx)
	require.Error(t, err)
}

func mustClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: baseURL})
	require.NoError(t, err)
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}
