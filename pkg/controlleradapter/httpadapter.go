package controlleradapter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPAdapter implements Adapter against a real job-controller REST API
// (e.g. Jenkins' remote access API), using resty for retry/timeout handling
// on outbound calls (spec.md §5 "default: 10s per RPC").
type HTTPAdapter struct {
	client *resty.Client
}

// NewHTTPAdapter creates an HTTPAdapter targeting baseURL, authenticated
// with apiToken, bounded by timeout.
func NewHTTPAdapter(baseURL, apiToken string, timeout time.Duration) *HTTPAdapter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(apiToken).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &HTTPAdapter{client: client}
}

type queuedResponse struct {
	Count int `json:"count"`
}

func (a *HTTPAdapter) Queued(ctx context.Context, label string) (int, error) {
	var out queuedResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("label", label).
		SetResult(&out).
		Get("/queue/api/json")
	if err != nil {
		return 0, fmt.Errorf("querying queue depth: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("queue query failed: %s", resp.Status())
	}
	return out.Count, nil
}

type createNodeRequest struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Executors int    `json:"executors"`
	Mode      string `json:"mode"`
}

func (a *HTTPAdapter) CreateNode(ctx context.Context, name, label string, executors int) (CreateNodeResult, error) {
	var out CreateNodeResult
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(createNodeRequest{Name: name, Label: label, Executors: executors, Mode: "exclusive"}).
		SetResult(&out).
		Post("/computer/doCreateItem")
	if err != nil {
		return CreateNodeResult{}, fmt.Errorf("creating controller node %s: %w", name, err)
	}
	if resp.IsError() {
		return CreateNodeResult{}, fmt.Errorf("creating controller node %s: %s", name, resp.Status())
	}
	return out, nil
}

func (a *HTTPAdapter) DeleteNode(ctx context.Context, name string) error {
	resp, err := a.client.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/computer/%s/doDelete", name))
	if err != nil {
		return fmt.Errorf("deleting controller node %s: %w", name, err)
	}
	// A 404 means the node is already gone: idempotent success (spec.md §7).
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("deleting controller node %s: %s", name, resp.Status())
	}
	return nil
}

type nodeStateResponse struct {
	Offline bool `json:"offline"`
	Idle    bool `json:"idle"`
}

func (a *HTTPAdapter) NodeState(ctx context.Context, name string) (NodeState, error) {
	var out nodeStateResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/computer/%s/api/json", name))
	if err != nil {
		return NodeState{}, fmt.Errorf("querying controller node %s: %w", name, err)
	}
	if resp.IsError() {
		return NodeState{}, fmt.Errorf("querying controller node %s: %s", name, resp.Status())
	}
	return NodeState{Online: !out.Offline, Busy: !out.Idle}, nil
}

type listNodesResponse struct {
	Nodes []struct {
		Name string `json:"displayName"`
	} `json:"computer"`
}

func (a *HTTPAdapter) ListNodesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var out listNodesResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/computer/api/json")
	if err != nil {
		return nil, fmt.Errorf("listing controller nodes: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("listing controller nodes: %s", resp.Status())
	}

	var names []string
	for _, n := range out.Nodes {
		if len(n.Name) >= len(prefix) && n.Name[:len(prefix)] == prefix {
			names = append(names, n.Name)
		}
	}
	return names, nil
}
