package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"discoveryd/internal/instance"
)

// Renew issues the PUT heartbeat call for one instance
func (c *HTTPRegistryClient) Renew(ctx context.Context, host, app, id string) error {
	url := fmt.Sprintf("http://%s/eureka/apps/%s/%s", host, app, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

// FetchSnapshot pulls app's application snapshot (GET /eureka/apps/{app})
// and returns the raw response body for the runtime's peer cache
func (c *HTTPRegistryClient) FetchSnapshot(ctx context.Context, host, app string) ([]byte, error) {
	url := fmt.Sprintf("http://%s/eureka/apps/%s", host, app)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// registerPayload mirrors registry/http's RegisterBody wire shape
type registerPayload struct {
	ID       string            `json:"id"`
	AppGroup string            `json:"appGroup"`
	HostName string            `json:"hostName"`
	IPAddr   string            `json:"ipAddr"`
	Port     int               `json:"port"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`

	PortEnabled bool `json:"portEnabled"`

	SecurePort        int  `json:"securePort"`
	SecurePortEnabled bool `json:"securePortEnabled"`

	VipAddress       string `json:"vipAddress"`
	SecureVipAddress string `json:"secureVipAddress"`

	RenewalIntervalSeconds int `json:"renewalIntervalSeconds"`
	DurationSeconds        int `json:"durationSeconds"`
}

// PushInstanceInfo POSTs the current descriptor as a (re)registration. desc
// is expected to have already passed through instance.Descriptor's own
// clone(), which zeroes SecureVipAddress whenever SecurePortEnabled is
// false, so the invariant holds on the wire without a second check here.
func (c *HTTPRegistryClient) PushInstanceInfo(ctx context.Context, host string, desc instance.Descriptor) error {
	payload := registerPayload{
		ID:       desc.ID,
		AppGroup: desc.AppGroup,
		HostName: desc.HostName,
		IPAddr:   desc.IPAddr,
		Port:     desc.Port,
		Status:   string(desc.Status),
		Metadata: desc.Metadata,

		PortEnabled: desc.PortEnabled,

		SecurePort:        desc.SecurePort,
		SecurePortEnabled: desc.SecurePortEnabled,

		VipAddress:       desc.VipAddress,
		SecureVipAddress: desc.SecureVipAddress,

		RenewalIntervalSeconds: desc.Lease.RenewalIntervalSeconds,
		DurationSeconds:        desc.Lease.DurationSeconds,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/eureka/apps/%s", host, desc.AppName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *HTTPRegistryClient) do(req *http.Request) error {
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("registry call to %s returned %d", req.URL, resp.StatusCode)
	}
	return nil
}
