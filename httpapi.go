// This file contains the ServerAPI interface and its HTTP implementation.
// The presence server is an external collaborator; the core only needs a
// snapshot fetch, a batched presence update call, and a fire-and-forget
// variant used on teardown.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ServerAPI is the presence server surface consumed by the core.
type ServerAPI interface {
	// GetChannel fetches the current snapshot for a channel. Returns a
	// not-found Error (code 404) when the server has no such channel.
	GetChannel(ctx context.Context, channel string) (*ChannelSnapshot, error)

	// UpdatePresence reports the channels this client is present in and the
	// channels it is leaving. The result maps each requested channel to
	// whether the server knows it; false means not found. A rate-limiting
	// response surfaces as an Error with code 429 and Temporary set.
	UpdatePresence(ctx context.Context, clientID string, present, leave []string) (map[string]bool, error)

	// LeaveAll informs the server that the client is leaving all given
	// channels without waiting for a response. Best effort only.
	LeaveAll(clientID string, channels []string)
}

type updateRequest struct {
	ClientID        string   `json:"client_id"`
	PresentChannels []string `json:"present_channels"`
	LeaveChannels   []string `json:"leave_channels"`
}

// HTTPServerAPI implements ServerAPI over the standard presence endpoints
// GET /presence/get and POST /presence/update.
type HTTPServerAPI struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPServerAPI creates a ServerAPI talking to the given base URL.
// timeout bounds each request; it defaults to 10s when <= 0.
func NewHTTPServerAPI(baseURL string, timeout time.Duration) (*HTTPServerAPI, error) {
	base, err := url.Parse(baseURL)

	if err != nil {
		return nil, wrapF(err, "invalid base URL %s", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPServerAPI{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTPServerAPI) GetChannel(ctx context.Context, channel string) (*ChannelSnapshot, error) {
	endpoint := h.base.JoinPath("/presence/get")

	query := endpoint.Query()

	query.Set("channel", channel)

	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)

	if err != nil {
		return nil, wrap(err, "failed to build snapshot request")
	}
	resp, err := h.client.Do(req)

	if err != nil {
		return nil, unavailable(channel, fmt.Sprintf("snapshot request failed: %s", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, notFound(channel, "channel does not exist")
	case http.StatusTooManyRequests:
		return nil, rateLimited(channel, "snapshot request rate limited")
	default:
		return nil, unavailable(channel, fmt.Sprintf("snapshot request returned %d", resp.StatusCode))
	}

	var snapshot ChannelSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, wrap(err, "failed to decode snapshot")
	}
	return &snapshot, nil
}

func (h *HTTPServerAPI) UpdatePresence(ctx context.Context, clientID string, present, leave []string) (map[string]bool, error) {
	body, err := json.Marshal(updateRequest{
		ClientID:        clientID,
		PresentChannels: present,
		LeaveChannels:   leave,
	})

	if err != nil {
		return nil, wrap(err, "failed to encode update request")
	}
	endpoint := h.base.JoinPath("/presence/update")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))

	if err != nil {
		return nil, wrap(err, "failed to build update request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)

	if err != nil {
		return nil, unavailable("", fmt.Sprintf("update request failed: %s", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, rateLimited("", "update request rate limited")
	default:
		return nil, unavailable("", fmt.Sprintf("update request returned %d", resp.StatusCode))
	}

	var result map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, wrap(err, "failed to decode update response")
	}
	return result, nil
}

// LeaveAll posts a leave-only update without reading the response, mirroring
// a browser beacon. Runs in its own goroutine with a short deadline so
// teardown never blocks on the network.
func (h *HTTPServerAPI) LeaveAll(clientID string, channels []string) {
	if len(channels) == 0 {
		return
	}
	body, err := json.Marshal(updateRequest{
		ClientID:        clientID,
		PresentChannels: []string{},
		LeaveChannels:   channels,
	})

	if err != nil {
		return
	}
	endpoint := h.base.JoinPath("/presence/update")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)

		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))

		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)

		if err != nil {
			return
		}
		resp.Body.Close()
	}()
}
