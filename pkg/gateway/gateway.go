// Package gateway implements the protocol gateway client (C11): JSON over
// HTTPS to an external cache gateway, following the same Request/Response
// envelope shape this codebase's pkg/control API server uses for its local
// control protocol, adapted here to an outbound net/http client instead of
// a net.Conn-framed server.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kotormodsync/dcc/pkg/config"
	"github.com/kotormodsync/dcc/pkg/dcerrors"
)

// gatewayPollInterval paces SubmitDescriptor's registration poll loop.
const gatewayPollInterval = 500 * time.Millisecond

// Flavor distinguishes the two gateway personalities §4.11 names. Both
// speak the same wire protocol; the flavor is carried for logging/metrics
// only.
type Flavor string

const (
	FlavorRelay   Flavor = "relay"
	FlavorCascade Flavor = "cascade"
)

// authRequest/authResponse model POST /auth.
type authRequest struct {
	ClientID string `json:"client_id"`
	Secret   string `json:"secret"`
}

type authResponse struct {
	SessionToken string `json:"session_token"`
}

// descriptorRequest models POST /descriptors.
type descriptorRequest struct {
	ContentKey      string `json:"content_key"`
	DescriptorBytes []byte `json:"descriptor_bytes"`
}

type descriptorResponse struct {
	ContentKey string `json:"content_key"`
}

// ResourceSnapshot models the response of GET /resources/{key} (§6).
type ResourceSnapshot struct {
	Progress        float64 `json:"progress"`
	Downloaded      int64   `json:"downloaded"`
	Uploaded        int64   `json:"uploaded"`
	ConnectedPeers  int     `json:"connected_peers"`
	ConnectedSeeds  int     `json:"connected_seeds"`
	State           string  `json:"state"`
}

// Client is a protocol gateway client bound to one base URL and flavor.
type Client struct {
	baseURL string
	flavor  Flavor
	http    *http.Client

	// pollInterval paces SubmitDescriptor's registration poll loop.
	// Exported only within the package so tests can shrink it; production
	// callers get gatewayPollInterval via New.
	pollInterval time.Duration

	sessionToken string
}

// New creates a Client. baseURL must include scheme and host, e.g.
// "https://cache-gateway.example.org".
func New(baseURL string, flavor Flavor) *Client {
	return &Client{
		baseURL:      baseURL,
		flavor:       flavor,
		http:         &http.Client{Timeout: config.GatewayCallTimeout},
		pollInterval: gatewayPollInterval,
	}
}

// Auth authenticates and stores the returned session token for subsequent
// calls (§4.11).
func (c *Client) Auth(ctx context.Context, clientID, secret string) error {
	ctx, cancel := context.WithTimeout(ctx, config.GatewayCallTimeout)
	defer cancel()

	var resp authResponse
	if err := c.post(ctx, "/auth", authRequest{ClientID: clientID, Secret: secret}, &resp); err != nil {
		return err
	}
	if resp.SessionToken == "" {
		return dcerrors.NewGatewayProtocolError("gateway returned an empty session token", nil)
	}
	c.sessionToken = resp.SessionToken
	return nil
}

// SubmitDescriptor submits a descriptor and polls until the gateway
// registers the share, honoring the 45s registration timeout (§4.11).
// Contract: the ContentKey the gateway echoes back must equal
// expectedContentKey; a mismatch is a hard GatewayProtocolError.
func (c *Client) SubmitDescriptor(ctx context.Context, expectedContentKey string, descriptorBytes []byte) error {
	ctx, cancel := context.WithTimeout(ctx, config.GatewayRegistrationTimeout)
	defer cancel()

	var resp descriptorResponse
	req := descriptorRequest{ContentKey: expectedContentKey, DescriptorBytes: descriptorBytes}
	if err := c.post(ctx, "/descriptors", req, &resp); err != nil {
		return err
	}
	if resp.ContentKey != expectedContentKey {
		return dcerrors.NewGatewayProtocolError(
			fmt.Sprintf("gateway acknowledged content key %q, expected %q", resp.ContentKey, expectedContentKey),
			nil,
		)
	}

	return c.pollUntilRegistered(ctx, expectedContentKey)
}

// pollUntilRegistered polls GET /resources/{key} until it succeeds, which
// is taken to mean the gateway has finished registering the share, or
// ctx's registration-timeout deadline passes.
func (c *Client) pollUntilRegistered(ctx context.Context, key string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := c.GetResource(ctx, key); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return dcerrors.NewGatewayProtocolError(
				fmt.Sprintf("gateway never registered share %q within the registration timeout", key),
				ctx.Err(),
			)
		case <-ticker.C:
		}
	}
}

// GetResource fetches the current resource snapshot for key (§6).
func (c *Client) GetResource(ctx context.Context, key string) (ResourceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, config.GatewayCallTimeout)
	defer cancel()

	var snap ResourceSnapshot
	if err := c.get(ctx, "/resources/"+key, &snap); err != nil {
		return ResourceSnapshot{}, err
	}
	return snap, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return dcerrors.NewInvalidArgument("failed to encode gateway request: " + err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return dcerrors.NewGatewayProtocolError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return dcerrors.NewGatewayProtocolError("failed to build request", err)
	}
	c.setAuth(req)

	return c.do(req, out)
}

func (c *Client) setAuth(req *http.Request) {
	if c.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.sessionToken)
	}
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return dcerrors.NewCanceled()
		}
		return dcerrors.NewIoError(req.URL.String(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return dcerrors.NewIoError(req.URL.String(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return dcerrors.NewGatewayProtocolError(
			fmt.Sprintf("gateway returned status %d: %s", resp.StatusCode, string(body)),
			nil,
		)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return dcerrors.NewGatewayProtocolError("failed to decode gateway response: "+err.Error(), err)
	}
	return nil
}
