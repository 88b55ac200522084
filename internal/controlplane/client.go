// Package controlplane speaks to the remote agent control plane and its
// log store. The transport is treated as a black box: JSON over HTTP,
// narrow request/response shapes, no retries at this layer.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentboard/internal/model"
)

// DisplayErrorLimit bounds how much of a remote error body is surfaced
// to the operator.
const DisplayErrorLimit = 300

// ProtocolError marks a response that was not parseable in the expected
// shape, so operators can tell protocol breakage apart from an
// agent-reported failure.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid response from %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type LaunchRequest struct {
	AgentType      model.AgentType `json:"agent_type"`
	RepoIdentifier string          `json:"repo_identifier"`
	TicketNumber   int             `json:"ticket_number"`
	BaseBranch     string          `json:"base_branch"`
}

type LaunchResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Launch asks the control plane to start a remote agent job. A response
// without a run id is a launch rejection even on HTTP 200.
func (c *Client) Launch(ctx context.Context, req LaunchRequest) (LaunchResponse, error) {
	var out LaunchResponse
	if err := c.postJSON(ctx, "/api/v1/agent/launch", req, &out); err != nil {
		return LaunchResponse{}, err
	}
	return out, nil
}

type RunStatusResponse struct {
	Status       string   `json:"status"`
	CurrentStage string   `json:"current_stage,omitempty"`
	Error        string   `json:"error,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Verdict      string   `json:"verdict,omitempty"`
	PRURL        string   `json:"pr_url,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

func (c *Client) Status(ctx context.Context, runID string) (RunStatusResponse, error) {
	var out RunStatusResponse
	path := "/api/v1/agent/runs/" + url.PathEscape(strings.TrimSpace(runID))
	if err := c.getJSON(ctx, path, nil, &out); err != nil {
		return RunStatusResponse{}, err
	}
	return out, nil
}

type moveRequest struct {
	TicketPK string `json:"ticket_pk"`
	ColumnID string `json:"column_id"`
	Position int    `json:"position"`
}

type moveResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Move mutates a ticket's placement. A success=false response carries
// the remote rejection reason.
func (c *Client) Move(ctx context.Context, ticketPK, columnID string, position int) error {
	var out moveResponse
	if err := c.postJSON(ctx, "/api/v1/tickets/move", moveRequest{
		TicketPK: ticketPK,
		ColumnID: columnID,
		Position: position,
	}, &out); err != nil {
		return err
	}
	if !out.Success {
		reason := strings.TrimSpace(out.Error)
		if reason == "" {
			reason = "move rejected by remote authority"
		}
		return fmt.Errorf("%s", reason)
	}
	return nil
}

// SyncArtifacts requests an out-of-band artifact resynchronization. The
// caller treats this as fire-and-forget.
func (c *Client) SyncArtifacts(ctx context.Context, ticketPK string) error {
	return c.postJSON(ctx, "/api/v1/artifacts/sync", map[string]string{"ticket_pk": ticketPK}, nil)
}

type BoardSnapshot struct {
	Tickets []model.Ticket   `json:"tickets"`
	Runs    []model.AgentRun `json:"runs"`
}

// Board fetches the authoritative board snapshot (tickets plus runs).
func (c *Client) Board(ctx context.Context) (BoardSnapshot, error) {
	var out BoardSnapshot
	if err := c.getJSON(ctx, "/api/v1/board", nil, &out); err != nil {
		return BoardSnapshot{}, err
	}
	return out, nil
}

type appendLogRequest struct {
	Rows []model.Message `json:"rows"`
}

// AppendLog appends persisted rows to the remote conversation log.
func (c *Client) AppendLog(ctx context.Context, conversationID string, rows []model.Message) error {
	path := "/api/v1/log/" + url.PathEscape(conversationID) + "/append"
	return c.postJSON(ctx, path, appendLogRequest{Rows: rows}, nil)
}

type selectLogResponse struct {
	Rows []model.Message `json:"rows"`
}

// SelectLog reads a sequence range back from the remote log.
func (c *Client) SelectLog(ctx context.Context, conversationID string, fromSeq, toSeq float64) ([]model.Message, error) {
	path := "/api/v1/log/" + url.PathEscape(conversationID)
	query := map[string]string{
		"from": fmt.Sprintf("%v", fromSeq),
	}
	if toSeq > 0 {
		query["to"] = fmt.Sprintf("%v", toSeq)
	}
	var out selectLogResponse
	if err := c.getJSON(ctx, path, query, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query map[string]string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(encoded))
	}
	return c.doJSON(ctx, http.MethodPost, path, nil, reader, out)
}

func (c *Client) doJSON(ctx context.Context, method string, path string, query map[string]string, body io.Reader, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("empty control plane base URL")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		values := u.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		u.RawQuery = values.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, TruncateForDisplay(strings.TrimSpace(string(payload))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Op: method + " " + path, Err: err}
	}
	return nil
}

// TruncateForDisplay bounds remote error text for operator display.
func TruncateForDisplay(s string) string {
	if len(s) <= DisplayErrorLimit {
		return s
	}
	return s[:DisplayErrorLimit] + "…"
}
