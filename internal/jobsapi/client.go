// Package jobsapi is the outbound client for the external Jobs site (spec
// §6): creating a release record and PUTting file bytes under the
// request's upload path. Its shape —
// a thin struct wrapping *http.Client with a single do() helper and a
// typed APIError — follows the corpus's own minimal HTTP client rather
// than reaching for a third-party REST client, since no example repo in
// the retrieval pack imports one.
package jobsapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client talks to the Jobs site's release API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client with a sane default timeout.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError wraps a non-2xx response from the Jobs site.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobs api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the scheduler should retry after this error:
// rate limiting and server errors are transient, other 4xx responses are
// not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// releaseResponse is the Jobs site's response to creating a release.
type releaseResponse struct {
	ReleaseURL string `json:"release_url"`
}

// CreateRelease registers a release for a workspace and returns the
// release URL the Jobs site reports. UploadFile does not use that URL: it
// PUTs to /api/v2/releases/{requestID}/upload/{relpath}.
func (c *Client) CreateRelease(ctx context.Context, workspaceName string, requestID string) (string, error) {
	endpoint := fmt.Sprintf("/api/v2/releases/workspace/%s", url.PathEscape(workspaceName))
	var resp releaseResponse
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"request_id": requestID}, &resp); err != nil {
		return "", err
	}
	return resp.ReleaseURL, nil
}

// UploadFile streams one file's bytes to the upload path built from the
// request it belongs to and its relative path, with the pinned content
// hash sent as an integrity header so the Jobs site can reject a payload
// that doesn't match what was reviewed.
func (c *Client) UploadFile(ctx context.Context, requestID, relpath, contentHash, absPath string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	endpoint := fmt.Sprintf("/api/v2/releases/%s/upload/%s", url.PathEscape(requestID), strings.TrimLeft(relpath, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base()+endpoint, f)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Content-Hash", contentHash)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// HashReader computes a sha256 content hash while copying src to dst, used
// when the caller wants to verify bytes in transit rather than trusting a
// pre-computed hash.
func HashReader(dst io.Writer, src io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
