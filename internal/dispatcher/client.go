// Package dispatcher pairs idle workers to queued jobs with priority,
// model-affinity, and optional batching (§4.3).
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// DispatchRPCOverheadSeconds is added to the job timeout for the outbound
// HTTP call's own deadline (§4.3 step 5: "timeout_seconds + 10").
const DispatchRPCOverheadSeconds = 10

// RunJobRequest is the outbound payload to a worker's /run_job (§6.2).
// Single-job and batch dispatch both send one request of this shape per
// job; the members of a batch are posted one after another.
type RunJobRequest struct {
	JobID           string         `json:"job_id"`
	Engine          string         `json:"engine,omitempty"`
	WorkflowID      *string        `json:"workflow_id,omitempty"`
	ModelID         string         `json:"model_id,omitempty"`
	Params          map[string]any `json:"params"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
}

// ReplyArtifact is one artifact entry in a worker's reply.
type ReplyArtifact struct {
	Type            string         `json:"type"`
	Format          string         `json:"format,omitempty"`
	Path            string         `json:"path,omitempty"`
	URL             string         `json:"url,omitempty"`
	Width           *int           `json:"width,omitempty"`
	Height          *int           `json:"height,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	FileSizeBytes   *int64         `json:"file_size_bytes,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ReplyError is the structured error a worker reports on failure.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunJobReply is the worker's response to /run_job (§6.2).
type RunJobReply struct {
	Status               string          `json:"status"`
	JobID                string          `json:"job_id"`
	ExecutionTimeSeconds float64         `json:"execution_time_seconds"`
	Artifacts            []ReplyArtifact `json:"artifacts,omitempty"`
	Error                *ReplyError     `json:"error,omitempty"`
}

// Client sends dispatch requests to worker processes over HTTP.
type Client struct {
	http *http.Client
}

// NewClient builds a dispatch Client. The HTTP client's own timeout is set
// per-request via context, so the *http.Client itself carries no default
// timeout.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// RunJob posts job to workerBaseURL + "/run_job" and waits for the
// worker's synchronous reply, bounded by the job's timeout plus RPC
// overhead (§4.3 step 5). It does not hold any storage transaction open.
func (c *Client) RunJob(ctx context.Context, workerBaseURL string, job domain.Job) (RunJobReply, error) {
	timeout := domain.JobTimeoutSeconds(job.Params)
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout+DispatchRPCOverheadSeconds)*time.Second)
	defer cancel()

	engine, _ := job.Params["engine"].(string)
	model, _ := job.Params["model"].(string)
	req := RunJobRequest{
		JobID:          job.ID,
		Engine:         engine,
		WorkflowID:     job.WorkflowID,
		ModelID:        model,
		Params:         job.Params,
		TimeoutSeconds: timeout,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return RunJobReply{}, fmt.Errorf("op=dispatcher.RunJob: %w: %v", domain.ErrInternal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, workerBaseURL+"/run_job", bytes.NewReader(body))
	if err != nil {
		return RunJobReply{}, fmt.Errorf("op=dispatcher.RunJob: %w: %v", domain.ErrWorkerError, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return RunJobReply{}, fmt.Errorf("op=dispatcher.RunJob: %w: %v", domain.ErrWorkerError, err)
	}
	defer resp.Body.Close()

	var reply RunJobReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return RunJobReply{}, fmt.Errorf("op=dispatcher.RunJob: %w: decoding reply: %v", domain.ErrWorkerError, err)
	}
	return reply, nil
}
