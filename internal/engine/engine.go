// Package engine is the client for the upstream execution-engine
// service that tracks this job's state. Its RPC names are semantic,
// not wire-level: production wiring targets the KBase Job Service's
// JSON-RPC 1.1 surface, but any engine offering these five operations
// can be substituted.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/kbase/job-runner-go/internal/retry"
)

// Client talks to the execution engine over JSON-RPC-shaped HTTP.
type Client struct {
	baseURL    string
	adminToken string
	http       *http.Client
	retryCfg   *retry.Config
}

// New returns a Client pointed at baseURL, authenticating engine calls
// with adminToken.
func New(baseURL, adminToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		adminToken: adminToken,
		http:       &http.Client{},
		retryCfg:   retry.DefaultConfig(),
	}
}

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	Version string       `json:"version"`
}

type rpcResponse struct {
	Result []json.RawMessage `json:"result"`
	Error  *rpcError         `json:"error"`
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// callMulti performs the RPC and returns the raw result array
// untouched, for methods whose result carries more than one value
// (get_job_params returns [params, config]).
func (c *Client) callMulti(ctx context.Context, method string, params []interface{}) ([]json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params, Version: "1.1"})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	var result []json.RawMessage
	err = retry.WithBackoff(ctx, c.retryCfg, method, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.adminToken)

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.Transient(fmt.Errorf("%s: %w", method, err))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Transient(fmt.Errorf("%s: reading response: %w", method, err))
		}

		if resp.StatusCode != http.StatusOK {
			return &retry.StatusError{Code: resp.StatusCode, Body: string(raw)}
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(raw, &rpcResp); err != nil {
			return fmt.Errorf("%s: decoding response: %w", method, err)
		}
		if rpcResp.Error != nil {
			return fmt.Errorf("%s: engine error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}

		result = rpcResp.Result
		return nil
	})
	return result, err
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	result, err := c.callMulti(ctx, method, params)
	if err != nil {
		return err
	}
	if out != nil && len(result) > 0 {
		if err := json.Unmarshal(result[0], out); err != nil {
			return fmt.Errorf("%s: decoding result: %w", method, err)
		}
	}
	return nil
}

// CheckJobCanceled reports whether the upstream job has already
// finished or been canceled.
func (c *Client) CheckJobCanceled(ctx context.Context, jobID string) (bool, error) {
	var out struct {
		Finished bool `json:"finished"`
	}
	if err := c.call(ctx, "check_job_canceled", []interface{}{jobID}, &out); err != nil {
		return false, err
	}
	return out.Finished, nil
}

// JobParams is the upstream parameter/config document a job starts
// from.
type JobParams struct {
	Method      string                 `json:"method"`
	Params      map[string]interface{} `json:"params"`
	ServiceVer  string                 `json:"service_ver"`
	WorkspaceID string                 `json:"wsid"`
	Token       string                 `json:"token"`
}

// JobConfigDoc is the configuration half of get_job_params: endpoint
// URLs and runtime selection.
type JobConfigDoc struct {
	KBaseEndpoint    string                  `json:"kbase_endpoint"`
	WorkspaceURL     string                  `json:"workspace_url"`
	ShockURL         string                  `json:"shock_url"`
	HandleURL        string                  `json:"handle_url"`
	AuthServiceURL   string                  `json:"auth_service_url"`
	AuthAllowInsecure bool                   `json:"auth_service_url_allow_insecure"`
	Runtime          string                  `json:"runtime"`
	RefDataDir       string                  `json:"refdata_dir"`
	MaxTasks         int                     `json:"max_tasks"`
	VolumeMounts     []map[string]interface{} `json:"volume_mounts"`
}

// GetJobParams fetches the job's parameters and configuration.
func (c *Client) GetJobParams(ctx context.Context, jobID string) (*JobParams, *JobConfigDoc, error) {
	result, err := c.callMulti(ctx, "get_job_params", []interface{}{jobID})
	if err != nil {
		return nil, nil, err
	}
	if len(result) < 2 {
		return nil, nil, fmt.Errorf("get_job_params: expected 2 result values, got %d", len(result))
	}

	var params JobParams
	var cfg JobConfigDoc
	if err := json.Unmarshal(result[0], &params); err != nil {
		return nil, nil, fmt.Errorf("get_job_params: decoding params: %w", err)
	}
	if err := json.Unmarshal(result[1], &cfg); err != nil {
		return nil, nil, fmt.Errorf("get_job_params: decoding config: %w", err)
	}
	return &params, &cfg, nil
}

// UpdateJob marks the job started upstream.
func (c *Client) UpdateJob(ctx context.Context, jobID string, isStarted bool) error {
	started := 0
	if isStarted {
		started = 1
	}
	return c.call(ctx, "update_job", []interface{}{map[string]interface{}{
		"job_id":     jobID,
		"is_started": started,
	}}, nil)
}

// LogLine is one line forwarded to add_job_logs.
type LogLine struct {
	Line    string `json:"line"`
	IsError bool   `json:"is_error"`
}

// AddJobLogs ships a batch of log lines upstream.
func (c *Client) AddJobLogs(ctx context.Context, jobID string, lines []LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	entries := make([]interface{}, 0, len(lines))
	for _, l := range lines {
		entries = append(entries, map[string]interface{}{"line": l.Line, "is_error": l.IsError})
	}
	if err := c.call(ctx, "add_job_logs", []interface{}{jobID, entries}, nil); err != nil {
		logging.Log.WithField("job_id", jobID).WithError(err).Warn("failed to ship job logs upstream")
		return err
	}
	return nil
}

// FinishJob reports the job's terminal output document upstream. Every
// terminal outcome passes through here; the supervisor never returns
// without calling it once startup has completed.
func (c *Client) FinishJob(ctx context.Context, jobID string, document map[string]interface{}) error {
	return c.call(ctx, "finish_job", []interface{}{jobID, document}, nil)
}
