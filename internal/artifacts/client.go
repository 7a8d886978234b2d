// Package artifacts proxies the artifact repository listing with a
// server-side size cap.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/opsforge/fleetd/internal/inventory/model"
)

// Artifact is one distributable build in the repository.
type Artifact struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

type Client struct {
	base  string
	limit int
	http  *http.Client
}

// New builds a repository client. listLimit caps every listing regardless of
// what the caller asks for.
func New(baseURL string, listLimit int, timeout time.Duration) *Client {
	if listLimit <= 0 {
		listLimit = 50
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:  baseURL,
		limit: listLimit,
		http:  &http.Client{Timeout: timeout},
	}
}

// List fetches the newest artifacts for an application type. The repository
// does the paging; the cap is enforced again locally in case it does not.
func (c *Client) List(ctx context.Context, appType string, limit int) ([]Artifact, error) {
	if c.base == "" {
		return nil, model.NewError(model.ErrPreconditionFailed, "artifact repository not configured")
	}
	if limit <= 0 || limit > c.limit {
		limit = c.limit
	}
	u := fmt.Sprintf("%s/artifacts?app=%s&limit=%d", c.base, url.QueryEscape(appType), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, model.WrapError(model.ErrInternal, err, "build artifact request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.WrapError(model.ErrRemoteUnavailable, err, "artifact repository unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, model.NewError(model.ErrRemoteUnavailable, "artifact repository returned http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, model.WrapError(model.ErrRemoteUnavailable, err, "read artifact listing")
	}
	var payload struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, model.WrapError(model.ErrRemoteMalformed, err, "decode artifact listing")
	}
	if len(payload.Artifacts) > limit {
		payload.Artifacts = payload.Artifacts[:limit]
	}
	return payload.Artifacts, nil
}
