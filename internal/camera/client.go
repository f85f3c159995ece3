// Package camera is a client for the media endpoint's camera REST API.
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrStatus is returned for responses outside the accepted status codes.
var ErrStatus = errors.New("unexpected response status")

const requestTimeout = 10 * time.Second

// Client calls the camera endpoints under a base URL.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the API rooted at base
// (e.g. "http://cams.local:5000"). A nil hc uses a client with a 10s timeout.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: requestTimeout}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

type cameraList struct {
	Cameras []string `json:"cameras"`
}

// ListCameras returns the ids of the available cameras.
func (c *Client) ListCameras(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/api/list_cameras", http.StatusOK)
	if err != nil {
		return nil, err
	}

	var list cameraList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode camera list: %w", err)
	}
	return list.Cameras, nil
}

// FocusCamera selects the camera the endpoint streams from.
func (c *Client) FocusCamera(ctx context.Context, id string) error {
	_, err := c.get(ctx, "/api/focus_camera/"+url.PathEscape(id), http.StatusOK)
	return err
}

// StartCall asks the endpoint to call peerID. Both 200 and 101 are success.
func (c *Client) StartCall(ctx context.Context, peerID string) error {
	_, err := c.get(ctx, "/api/start/"+url.PathEscape(peerID), http.StatusOK, http.StatusSwitchingProtocols)
	return err
}

func (c *Client) get(ctx context.Context, path string, accept ...int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}

	for _, code := range accept {
		if resp.StatusCode == code {
			return body, nil
		}
	}
	return nil, fmt.Errorf("GET %s: %w %d", path, ErrStatus, resp.StatusCode)
}
