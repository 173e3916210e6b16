package nodeagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// HTTPClient implements Client against a real per-host node agent
// (spec.md §6 "Node-agent (outbound from control plane)"), using resty for
// timeout/retry handling, grounded on the controller adapter's HTTPAdapter.
// A per-host token-bucket limiter paces calls per host (spec.md §5): burst
// bounds how many calls may start together, the fill rate keeps a host from
// being hammered once the burst is spent. It limits how fast calls start,
// not how many are in flight at once; Healthz does not go through it.
type HTTPClient struct {
	client     *resty.Client
	timeout    time.Duration
	burst      int
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter // host_id -> limiter
}

// NewHTTPClient creates an HTTPClient. concurrency sets each host's limiter
// burst and its refill rate per second (spec.md §5); it does not cap
// in-flight calls.
func NewHTTPClient(timeout time.Duration, concurrency int) *HTTPClient {
	return &HTTPClient{
		client: resty.New().
			SetTimeout(timeout).
			SetRetryCount(1).
			SetRetryWaitTime(100 * time.Millisecond),
		timeout:  timeout,
		burst:    concurrency,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *HTTPClient) limiterFor(hostID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[hostID]
	if !ok {
		// One request slot refills every 1/burst of a second, so the steady
		// -state throughput stays proportional to the configured concurrency.
		l = rate.NewLimiter(rate.Limit(c.burst), c.burst)
		c.limiters[hostID] = l
	}
	return l
}

func (c *HTTPClient) wait(ctx context.Context, hostID string) error {
	return c.limiterFor(hostID).Wait(ctx)
}

func wrapUnreachable(hostID string, err error) error {
	if err == nil {
		return nil
	}
	return &ErrUnreachable{HostID: hostID, Cause: err}
}

func (c *HTTPClient) CreateVM(ctx context.Context, hostID, nodeAgentURL, vmID string, spec VMSpec) error {
	if err := c.wait(ctx, hostID); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(spec).
		Put(fmt.Sprintf("%s/v1/vms/%s", nodeAgentURL, vmID))
	if err != nil {
		return wrapUnreachable(hostID, err)
	}
	if resp.IsError() {
		return &ErrRejected{HostID: hostID, StatusCode: resp.StatusCode(), Status: resp.Status()}
	}
	return nil
}

type getVMResponse struct {
	VMID  string `json:"vm_id"`
	State string `json:"state"`
}

func (c *HTTPClient) GetVM(ctx context.Context, hostID, nodeAgentURL, vmID string) (VM, bool, error) {
	if err := c.wait(ctx, hostID); err != nil {
		return VM{}, false, err
	}
	var out getVMResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("%s/v1/vms/%s", nodeAgentURL, vmID))
	if err != nil {
		return VM{}, false, wrapUnreachable(hostID, err)
	}
	if resp.StatusCode() == 404 {
		return VM{}, false, nil
	}
	if resp.IsError() {
		return VM{}, false, fmt.Errorf("node agent %s: get vm %s: %s", hostID, vmID, resp.Status())
	}
	return VM{VMID: out.VMID, State: out.State}, true, nil
}

type listVMsResponse struct {
	VMs []getVMResponse `json:"vms"`
}

func (c *HTTPClient) ListVMs(ctx context.Context, hostID, nodeAgentURL string) ([]VM, error) {
	if err := c.wait(ctx, hostID); err != nil {
		return nil, err
	}
	var out listVMsResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("%s/v1/vms", nodeAgentURL))
	if err != nil {
		return nil, wrapUnreachable(hostID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("node agent %s: list vms: %s", hostID, resp.Status())
	}
	vms := make([]VM, 0, len(out.VMs))
	for _, v := range out.VMs {
		vms = append(vms, VM{VMID: v.VMID, State: v.State})
	}
	return vms, nil
}

// DeleteVM issues DELETE /v1/vms/{vm_id}?reason=. A 404 is treated as
// success — deleting an already-absent VM is idempotent (spec.md §7
// "External permanent... treat as success").
func (c *HTTPClient) DeleteVM(ctx context.Context, hostID, nodeAgentURL, vmID, reason string) error {
	if err := c.wait(ctx, hostID); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("reason", reason).
		Delete(fmt.Sprintf("%s/v1/vms/%s", nodeAgentURL, vmID))
	if err != nil {
		return wrapUnreachable(hostID, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("node agent %s: delete vm %s: %s", hostID, vmID, resp.Status())
	}
	return nil
}

type capacityResponse struct {
	CPUFree    int     `json:"cpu_free"`
	RAMFreeMB  int     `json:"ram_free_mb"`
	IOPressure float64 `json:"io_pressure"`
}

func (c *HTTPClient) GetCapacity(ctx context.Context, hostID, nodeAgentURL string) (Capacity, error) {
	if err := c.wait(ctx, hostID); err != nil {
		return Capacity{}, err
	}
	var out capacityResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("%s/v1/capacity", nodeAgentURL))
	if err != nil {
		return Capacity{}, wrapUnreachable(hostID, err)
	}
	if resp.IsError() {
		return Capacity{}, fmt.Errorf("node agent %s: get capacity: %s", hostID, resp.Status())
	}
	return Capacity{CPUFree: out.CPUFree, RAMFreeMB: out.RAMFreeMB, IOPressure: out.IOPressure}, nil
}

func (c *HTTPClient) Healthz(ctx context.Context, hostID, nodeAgentURL string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("%s/healthz", nodeAgentURL))
	if err != nil {
		return wrapUnreachable(hostID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("node agent %s: healthz: %s", hostID, resp.Status())
	}
	return nil
}
