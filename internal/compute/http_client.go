package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"configurator/internal/params"
)

// Work item wire format shared by HTTPClient and Handler.
type workItemRequest struct {
	Project    string      `json:"project"`
	Assembly   bool        `json:"assembly"`
	Model      []byte      `json:"model"`
	Parameters *params.Set `json:"parameters"`
}

const (
	statusPending  = "pending"
	statusSuccess  = "success"
	statusFailed   = "failed"
	statusRejected = "rejected"
)

type workItemStatus struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Diagnostic string          `json:"diagnostic,omitempty"`
	Result     *workItemResult `json:"result,omitempty"`
}

type workItemResult struct {
	Model      []byte      `json:"model"`
	ModelView  []byte      `json:"modelView"`
	Rfa        []byte      `json:"rfa,omitempty"`
	Parameters *params.Set `json:"parameters"`
	Report     *params.Set `json:"report"`
	Changed    bool        `json:"changed"`
}

// HTTPClient talks to a remote engine: POST /workitems submits, and
// GET /workitems/{id} is polled until the item is terminal.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	poll    time.Duration
}

func NewHTTPClient(baseURL string, poll time.Duration, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc, poll: poll}
}

func (c *HTTPClient) Submit(ctx context.Context, req Request) (Handle, error) {
	b, err := json.Marshal(workItemRequest{
		Project:    req.Project,
		Assembly:   req.IsAssembly,
		Model:      req.Model,
		Parameters: req.Parameters,
	})
	if err != nil {
		return Handle{}, newError(KindRejected, "submit", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workitems", bytes.NewReader(b))
	if err != nil {
		return Handle{}, newError(KindRejected, "submit", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	st, err := c.do(ctx, "submit", hreq)
	if err != nil {
		return Handle{}, err
	}
	if st.ID == "" {
		return Handle{}, newError(KindRemote, "submit", errors.New("work item without id"))
	}
	return Handle{ID: st.ID}, nil
}

func (c *HTTPClient) Await(ctx context.Context, h Handle) (*Result, error) {
	for {
		hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/workitems/"+h.ID, nil)
		if err != nil {
			return nil, newError(KindRejected, "await", err)
		}
		st, err := c.do(ctx, "await", hreq)
		if err != nil {
			return nil, err
		}
		switch st.Status {
		case statusSuccess:
			if st.Result == nil {
				return nil, newError(KindRemote, "await", errors.New("work item finished without result"))
			}
			r := st.Result
			return &Result{
				Model:      r.Model,
				ModelView:  r.ModelView,
				Rfa:        r.Rfa,
				Parameters: r.Parameters,
				Report:     r.Report,
				Changed:    r.Changed,
			}, nil
		case statusRejected:
			return nil, newError(KindRejected, "await", errors.New(st.Diagnostic))
		case statusFailed:
			return nil, newError(KindRemote, "await", errors.New(st.Diagnostic))
		}
		t := time.NewTimer(c.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctxErr("await", ctx.Err())
		case <-t.C:
		}
	}
}

func (c *HTTPClient) do(ctx context.Context, op string, req *http.Request) (*workItemStatus, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxErr(op, ctx.Err())
		}
		return nil, newError(KindTransport, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusNotFound &&
			resp.StatusCode != http.StatusTooManyRequests {
			return nil, newError(KindRejected, op, err)
		}
		return nil, newError(KindRemote, op, err)
	}
	var st workItemStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, newError(KindTransport, op, fmt.Errorf("decode work item: %w", err))
	}
	return &st, nil
}

func ctxErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	return err
}
