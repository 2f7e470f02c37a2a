// Package arke is an HTTP client for the content-addressed archive store.
// It exposes the four operations the metadata service needs: entity
// snapshots, content download, content upload, and CAS version appends.
package arke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors for the arke package.
var (
	// ErrTipMismatch is returned when an append's expect_tip no longer
	// matches the entity's head. Callers refresh and retry.
	ErrTipMismatch = errors.New("tip mismatch")

	// ErrNotFound is returned for unknown PIs or CIDs.
	ErrNotFound = errors.New("not found")
)

// Entity is a snapshot of an archive node at its current head.
type Entity struct {
	PI          string            `json:"pi"`
	Tip         string            `json:"tip"`
	ManifestCID string            `json:"manifest_cid,omitempty"`
	Version     int               `json:"version"`
	Components  map[string]string `json:"components"`
	ChildrenPI  []string          `json:"children_pi"`
	ParentPI    string            `json:"parent_pi,omitempty"`
	Label       string            `json:"label,omitempty"`
}

// HeadTip returns the entity's current head hash. Older store versions
// report it as manifest_cid instead of tip.
func (e *Entity) HeadTip() string {
	if e.Tip != "" {
		return e.Tip
	}
	return e.ManifestCID
}

// AppendResult is the outcome of a successful version append.
type AppendResult struct {
	Tip     string `json:"tip"`
	Version int    `json:"version"`
}

// Client is an HTTP client for the archive store.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a new archive store client.
func NewClient(url string) *Client {
	return &Client{
		url: strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// GetEntity fetches the current snapshot for a PI.
func (c *Client) GetEntity(ctx context.Context, pi string) (*Entity, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.url+"/api/v1/pi/"+pi, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	respBody, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", pi, err)
	}

	var entity Entity
	if err := json.Unmarshal(respBody, &entity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity %s: %w", pi, err)
	}
	if entity.PI == "" {
		entity.PI = pi
	}
	return &entity, nil
}

// Download fetches the bytes behind a content address.
func (c *Client) Download(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.url+"/api/v1/cid/"+cid, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	respBody, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", cid, err)
	}
	return respBody, nil
}

// Upload stores content under a filename and returns its content address.
// The store speaks multipart form and answers with a one-element CID list.
func (c *Client) Upload(ctx context.Context, content []byte, filename string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/api/v1/upload", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	respBody, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}

	var uploaded []struct {
		CID string `json:"cid"`
	}
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return "", fmt.Errorf("failed to unmarshal upload response: %w", err)
	}
	if len(uploaded) == 0 || uploaded[0].CID == "" {
		return "", fmt.Errorf("upload %s: store returned no cid", filename)
	}
	return uploaded[0].CID, nil
}

// appendRequest is the body for a CAS version append.
type appendRequest struct {
	ExpectTip  string            `json:"expect_tip"`
	Components map[string]string `json:"components"`
	Note       string            `json:"note,omitempty"`
}

// AppendVersion appends a new version to an entity, conditioned on the
// caller-observed tip. A stale tip yields ErrTipMismatch.
func (c *Client) AppendVersion(ctx context.Context, pi, expectTip string, components map[string]string, note string) (*AppendResult, error) {
	bodyBytes, err := json.Marshal(appendRequest{
		ExpectTip:  expectTip,
		Components: components,
		Note:       note,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal append request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/api/v1/pi/"+pi+"/versions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("append version %s: %w", pi, err)
	}

	var result AppendResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal append response: %w", err)
	}
	return &result, nil
}

// do executes a request and returns the response body, mapping error
// statuses onto sentinel errors where the status is unambiguous.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return respBody, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrTipMismatch, strings.TrimSpace(string(respBody)))
	default:
		return nil, fmt.Errorf("store error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}
