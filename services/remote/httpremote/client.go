package httpremote

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

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core/remote"
)

const maxErrorBody = 1 << 20

// Client talks to the remote service over its REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ remote.Service = (*Client)(nil) // interface compliance check

// New returns a client of the API at baseURL. An empty apiKey disables authentication.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func recordPath(req remote.Request) string {
	p := fmt.Sprintf("/v1/schools/%s/%s", url.PathEscape(req.SchoolID), url.PathEscape(string(req.Kind)))
	if req.ServerID != "" {
		p += "/" + url.PathEscape(req.ServerID)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return remote.NewError(remote.Permanent, errors.Wrap(err, "encoding request").Error())
		}
		reader = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return remote.NewError(remote.Permanent, errors.Wrap(err, "building request").Error())
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path) // transport: transient
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "decoding %s %s", method, path)
		}
		return nil
	}
	return decodeError(resp)
}

// decodeError maps an error response onto a *remote.Error.
func decodeError(resp *http.Response) error {
	rErr := &remote.Error{Class: ClassifyStatus(resp.StatusCode), Code: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) == 0 || json.Unmarshal(body, rErr) != nil {
		rErr.Message = strings.TrimSpace(string(body))
	}
	if rErr.Message == "" {
		rErr.Message = http.StatusText(resp.StatusCode)
	}
	rErr.Class = ClassifyStatus(resp.StatusCode)
	rErr.Code = resp.StatusCode
	return rErr
}

// ClassifyStatus maps an HTTP error status onto a failure class.
func ClassifyStatus(code int) remote.FailureClass {
	switch {
	case code == http.StatusNotFound:
		return remote.NotFound
	case code == http.StatusConflict:
		return remote.Conflict
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return remote.Transient
	default:
		return remote.Permanent
	}
}

func (c *Client) Create(ctx context.Context, req remote.Request) (remote.ServerRecord, error) {
	var rec remote.ServerRecord
	req.ServerID = ""
	err := c.do(ctx, http.MethodPost, recordPath(req), req, &rec)
	return rec, err
}

func (c *Client) Update(ctx context.Context, req remote.Request) (remote.ServerRecord, error) {
	var rec remote.ServerRecord
	err := c.do(ctx, http.MethodPut, recordPath(req), req, &rec)
	return rec, err
}

func (c *Client) Delete(ctx context.Context, req remote.Request) error {
	q := make(url.Values)
	q.Set("localId", req.LocalID)
	q.Set("updatedAt", req.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if req.Force {
		q.Set("force", strconv.FormatBool(true))
	}
	return c.do(ctx, http.MethodDelete, recordPath(req)+"?"+q.Encode(), nil, nil)
}

func (c *Client) Changes(ctx context.Context, schoolID, cursor string) (remote.ChangeSet, error) {
	var cs remote.ChangeSet
	p := fmt.Sprintf("/v1/schools/%s/changes", url.PathEscape(schoolID))
	if cursor != "" {
		p += "?cursor=" + url.QueryEscape(cursor)
	}
	err := c.do(ctx, http.MethodGet, p, nil, &cs)
	return cs, err
}

// Ping checks the health endpoint. It is the connectivity probe of the sync daemon.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
