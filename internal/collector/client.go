package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/opsforge/fleetd/internal/inventory/model"
	"github.com/opsforge/fleetd/internal/reconciler"
)

// HAProxyBlock is the optional load-balancer section of an agent report,
// present only on hosts that run HAProxy.
type HAProxyBlock struct {
	Servers []reconciler.ObservedHAProxyServer `json:"servers"`
}

// EurekaBlock is the optional registry section of an agent report, present
// only on hosts that run a Eureka node.
type EurekaBlock struct {
	Instances []reconciler.ObservedEurekaInstance `json:"instances"`
}

// AgentState is the full payload of one agent report.
type AgentState struct {
	Instances []reconciler.ObservedInstance `json:"instances"`
	HAProxy   *HAProxyBlock                 `json:"haproxy,omitempty"`
	Eureka    *EurekaBlock                  `json:"eureka,omitempty"`
}

const maxAgentBody = 8 << 20

// Client fetches agent state over HTTP. One shared client serves all three
// collectors; per-fetch deadlines come from the caller's context.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}}
}

// FetchState retrieves the agent report from one host. Errors carry a typed
// kind so the poller can classify the outcome.
func (c *Client) FetchState(ctx context.Context, server model.Server) (*AgentState, error) {
	url := fmt.Sprintf("http://%s:%d/v1/state", server.IP, server.AgentPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, model.WrapError(model.ErrInternal, err, "build agent request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, model.NewError(model.ErrNotFound, "agent endpoint gone: http %d", resp.StatusCode)
	default:
		return nil, model.NewError(model.ErrRemoteUnavailable, "agent returned http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAgentBody))
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	var state AgentState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, model.WrapError(model.ErrRemoteMalformed, err, "decode agent report")
	}
	return &state, nil
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return model.WrapError(model.ErrCancelled, err, "fetch cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.WrapError(model.ErrTimeout, err, "fetch deadline exceeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.WrapError(model.ErrTimeout, err, "fetch timed out")
	}
	return model.WrapError(model.ErrRemoteUnavailable, err, "agent unreachable")
}
