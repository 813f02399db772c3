// Package observer is a Go client for the nets-observer HTTP API and its
// server-sent event stream.
package observer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Trace generation may run longer; pass a client with a
// larger timeout when fetching traces that are not yet generated.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the observer API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// FileInfo describes one artifact file in a directory listing.
type FileInfo struct {
	Path      string `json:"path"`
	Rel       string `json:"rel"`
	ModTimeMs int64  `json:"mtimeMs"`
}

// FileMeta describes the file backing a response.
type FileMeta struct {
	Path      string `json:"path"`
	Kind      string `json:"kind,omitempty"`
	ModTimeMs int64  `json:"mtimeMs"`
}

// Health is the response of the health endpoint.
type Health struct {
	Config map[string]any `json:"cfg"`
}

// StateSnapshot is the current state file together with its metadata.
type StateSnapshot struct {
	State json.RawMessage `json:"state"`
	Meta  FileMeta        `json:"meta"`
}

// HistoryEntry is one recorded state snapshot.
type HistoryEntry struct {
	TS    int64           `json:"ts"`
	State json.RawMessage `json:"state"`
}

// Listing is a directory listing of traces or fraud proofs.
type Listing struct {
	Dir   string     `json:"-"`
	Files []FileInfo `json:"files"`
}

// Consistency reports whether a trace reproduces its own declared root.
type Consistency struct {
	LeafMismatches []uint64 `json:"leafMismatches"`
	RecomputedRoot string   `json:"recomputedRoot"`
	DeclaredRoot   string   `json:"declaredRoot,omitempty"`
	RootMatches    bool     `json:"rootMatches"`
	HexMatches     bool     `json:"hexMatches"`
	// PayloadErrors lists steps whose obs/action failed system-specific validation.
	PayloadErrors []PayloadIssue `json:"payloadErrors"`
}

// PayloadIssue names a step with an invalid payload.
type PayloadIssue struct {
	Step  uint64 `json:"step"`
	Error string `json:"error"`
}

// TraceMeta tells whether the trace was generated by this request.
type TraceMeta struct {
	Generated bool   `json:"generated"`
	Path      string `json:"path"`
	ModTimeMs int64  `json:"mtimeMs"`
}

// TraceResult is the response of the trace endpoint.
type TraceResult struct {
	Trace       json.RawMessage `json:"trace"`
	Consistency Consistency     `json:"consistency"`
	Meta        TraceMeta       `json:"meta"`
}

// FraudProof is a fraud proof envelope as stored on disk.
type FraudProof struct {
	Proof json.RawMessage `json:"proof"`
	Meta  FileMeta        `json:"meta"`
}

// Report is the verification report for one agent.
type Report struct {
	Agent          string          `json:"agent"`
	System         string          `json:"system,omitempty"`
	Status         string          `json:"status"`
	Mismatch       *bool           `json:"mismatch"`
	CommittedRoot  string          `json:"committedRoot,omitempty"`
	TraceRoot      string          `json:"traceRoot,omitempty"`
	TracePath      string          `json:"tracePath,omitempty"`
	TraceGenerated bool            `json:"traceGenerated"`
	TraceError     string          `json:"traceError,omitempty"`
	Consistency    *Consistency    `json:"consistency,omitempty"`
	Proof          json.RawMessage `json:"proof,omitempty"`
	StepCheck      json.RawMessage `json:"stepCheck,omitempty"`
	Disqualified   bool            `json:"disqualified"`
	Balance        *int64          `json:"balance,omitempty"`
	CheckedAt      int64           `json:"checkedAt"`
}

// VerifyRequest selects the agent to verify. System and Step are optional.
type VerifyRequest struct {
	Agent  string
	System string
	Step   *uint64
}

// APIError represents a non-2xx response from the observer.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	// Retryable reports whether the same request may succeed later.
	Retryable bool `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("observer api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("observer api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the observer API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Health returns the resolved server configuration.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.get(ctx, "/api/health", nil, &out)
	return out, err
}

// State returns the current state file.
func (c *Client) State(ctx context.Context) (StateSnapshot, error) {
	var out StateSnapshot
	err := c.get(ctx, "/api/state", nil, &out)
	return out, err
}

// History returns up to limit recent state snapshots, oldest first. A
// non-positive limit uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.get(ctx, "/api/history", query, &out)
	return out.Items, err
}

// Traces lists the trace files known to the server.
func (c *Client) Traces(ctx context.Context) (Listing, error) {
	var out struct {
		Dir   string     `json:"tracesDir"`
		Files []FileInfo `json:"files"`
	}
	err := c.get(ctx, "/api/traces", nil, &out)
	return Listing{Dir: out.Dir, Files: out.Files}, err
}

// FraudFiles lists the fraud proof files known to the server.
func (c *Client) FraudFiles(ctx context.Context) (Listing, error) {
	var out struct {
		Dir   string     `json:"fraudDir"`
		Files []FileInfo `json:"files"`
	}
	err := c.get(ctx, "/api/fraud", nil, &out)
	return Listing{Dir: out.Dir, Files: out.Files}, err
}

// Trace fetches the trace of agent on system, generating it when missing.
func (c *Client) Trace(ctx context.Context, system, agent string) (TraceResult, error) {
	var out TraceResult
	err := c.get(ctx, "/api/trace", url.Values{"system": {system}, "agent": {agent}}, &out)
	return out, err
}

// FraudProof fetches the fraud proof submitted against agent.
func (c *Client) FraudProof(ctx context.Context, agent string) (FraudProof, error) {
	var out FraudProof
	err := c.get(ctx, "/api/fraud-proof", url.Values{"agent": {agent}}, &out)
	return out, err
}

// Verify asks the server to reconcile the agent's committed root with its trace.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (Report, error) {
	query := url.Values{"agent": {req.Agent}}
	if req.System != "" {
		query.Set("system", req.System)
	}
	if req.Step != nil {
		query.Set("step", strconv.FormatUint(*req.Step, 10))
	}
	var out struct {
		Report Report `json:"report"`
	}
	err := c.get(ctx, "/api/verify", query, &out)
	return out.Report, err
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, endpoint, query)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, endpoint string, query url.Values) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

// Event is one message received from the event stream.
type Event struct {
	ID   string
	Type string
	Data json.RawMessage
}

// Change decodes the path and timestamp carried by state, trace, fraud and
// change events.
func (e Event) Change() (path string, ts int64, err error) {
	var payload struct {
		Path string `json:"path"`
		TS   int64  `json:"ts"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return "", 0, err
	}
	return payload.Path, payload.TS, nil
}

// Subscribe streams events to fn until ctx is cancelled or the server closes
// the stream. The client's timeout is not applied to the stream.
func (c *Client) Subscribe(ctx context.Context, fn func(Event)) error {
	req, err := c.newRequest(ctx, "/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	stream := &http.Client{Transport: c.httpClient.Transport, Jar: c.httpClient.Jar}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	var (
		ev   Event
		data []string
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Type != "" || len(data) > 0 {
				if ev.Type == "" {
					ev.Type = "message"
				}
				ev.Data = json.RawMessage(strings.Join(data, "\n"))
				fn(ev)
			}
			ev, data = Event{}, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			ev.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return ctx.Err()
}
