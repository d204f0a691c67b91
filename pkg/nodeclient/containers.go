package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// PortBinding is one published host-port binding for a container's
// internal port, mirroring the Docker-style port-binding shape the
// worker node reports: a decimal host port as a string.
type PortBinding struct {
	HostPort string `json:"HostPort"`
}

// LaunchResponse is what a node returns from a launch call: the
// container id it assigned (or confirmed) for the new unit.
type LaunchResponse struct {
	ContainerID string `json:"container_id"`
}

// Launch invokes a node's launch endpoint (e.g. POST /launch for a
// generic container, POST /launchBucket for a managed bucket service)
// with the given JSON-encodable spec. path must include the leading
// slash, e.g. "/launch" or "/launchDB".
func (c *Client) Launch(ctx context.Context, baseURL, path string, spec interface{}) (*LaunchResponse, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: encoding launch spec: %w", err)
	}
	resp, err := c.do(ctx, launchTimeout, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := readStatusError(resp); err != nil {
		return nil, err
	}
	var out LaunchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("nodeclient: decoding launch response: %w", err)
	}
	return &out, nil
}

// Ports fetches the published host-port bindings for a container:
// GET /containers/{id}/ports, read-class timeout. The bindings are
// keyed by internal port (e.g. "8010/tcp"); each key maps to a list of
// bindings, the first of which carries the assigned host port.
func (c *Client) Ports(ctx context.Context, baseURL, containerID string) (map[string][]PortBinding, error) {
	resp, err := c.do(ctx, readTimeout, http.MethodGet, baseURL+"/containers/"+containerID+"/ports", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := readStatusError(resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: reading ports response: %w", err)
	}
	return parsePortsBody(body)
}

// parsePortsBody decodes a node's /containers/{id}/ports body. The
// documented shape nests bindings under a "ports" key; a node that
// returns the port map directly at the top level (no wrapper) is also
// accepted.
func parsePortsBody(body []byte) (map[string][]PortBinding, error) {
	var wrapped struct {
		Ports map[string][]PortBinding `json:"ports"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("nodeclient: decoding ports response: %w", err)
	}
	if len(wrapped.Ports) > 0 {
		return wrapped.Ports, nil
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("nodeclient: decoding ports response: %w", err)
	}
	ports := make(map[string][]PortBinding, len(flat))
	for key, raw := range flat {
		if key == "ports" {
			continue
		}
		if !strings.HasSuffix(key, "/tcp") && !strings.HasSuffix(key, "/udp") {
			continue
		}
		var bindings []PortBinding
		if err := json.Unmarshal(raw, &bindings); err != nil {
			continue
		}
		ports[key] = bindings
	}
	return ports, nil
}

// StartContainer issues POST /containers/{id}/start, launch-class timeout
// (used both by the service restart loop and by the front door's
// container start endpoint).
func (c *Client) StartContainer(ctx context.Context, baseURL, containerID string) error {
	resp, err := c.do(ctx, launchTimeout, http.MethodPost, baseURL+"/containers/"+containerID+"/start", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readStatusError(resp)
}

// StopContainer issues POST /containers/{id}/stop, launch-class timeout.
func (c *Client) StopContainer(ctx context.Context, baseURL, containerID string) error {
	resp, err := c.do(ctx, launchTimeout, http.MethodPost, baseURL+"/containers/"+containerID+"/stop", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readStatusError(resp)
}

// RestartContainer issues POST /containers/{id}/restart, launch-class timeout.
func (c *Client) RestartContainer(ctx context.Context, baseURL, containerID string) error {
	resp, err := c.do(ctx, launchTimeout, http.MethodPost, baseURL+"/containers/"+containerID+"/restart", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readStatusError(resp)
}

// DeleteContainer issues DELETE /containers/{id}, launch-class timeout.
func (c *Client) DeleteContainer(ctx context.Context, baseURL, containerID string) error {
	resp, err := c.do(ctx, launchTimeout, http.MethodDelete, baseURL+"/containers/"+containerID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readStatusError(resp)
}

// ServiceHealth checks a managed service's own health endpoint directly
// (GET http://{ip}:{port}/health), used by the service health/restart
// loop rather than the node's own /health.
func (c *Client) ServiceHealth(ctx context.Context, endpoint string) error {
	resp, err := c.do(ctx, healthTimeout, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readStatusError(resp)
}

// DrainBody fully reads and discards a response body, used by callers
// that only care about the status translation.
func DrainBody(r io.Reader) { io.Copy(io.Discard, r) }
