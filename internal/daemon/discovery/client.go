// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/go-uuid"
	gvers "github.com/hashicorp/go-version"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/hashicorp/trellis/version"
)

const (
	clientRetryMax     = 2
	clientRetryWaitMin = 100 * time.Millisecond
	clientRetryWaitMax = 2 * time.Second
	clientTimeout      = 5 * time.Second

	// controlPlaneVersionHeader carries the control plane's release version
	// on discovery responses.
	controlPlaneVersionHeader = "X-Control-Plane-Version"
)

// Client looks destinations up in the control-plane discovery API.
type Client struct {
	addr string
	http *retryablehttp.Client
}

// destinationResponse is the control plane's answer for one authority.
type destinationResponse struct {
	Endpoints  []Endpoint `json:"endpoints"`
	TtlSeconds int        `json:"ttl_seconds"`
}

// NewClient creates a Client for the discovery API at addr.
func NewClient(ctx context.Context, addr string) (*Client, error) {
	const op = "discovery.NewClient"
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithMsg("error parsing discovery address"))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New(ctx, errors.InvalidConfiguration, op,
			fmt.Sprintf("discovery address %q must be http or https", addr))
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = clientTimeout
	rc.RetryMax = clientRetryMax
	rc.RetryWaitMin = clientRetryWaitMin
	rc.RetryWaitMax = clientRetryWaitMax
	// Retry chatter goes nowhere; lookup failures surface as error events at
	// the call sites.
	rc.Logger = nil

	return &Client{
		addr: strings.TrimSuffix(addr, "/"),
		http: rc,
	}, nil
}

// Lookup fetches the endpoint set for an authority.  A 404 maps to a
// NotFound error, which callers treat as "fall back to DNS".
func (c *Client) Lookup(ctx context.Context, authority string) (*Resolution, error) {
	const op = "discovery.(Client).Lookup"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.addr+"/v1/destinations/"+url.PathEscape(authority), nil)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	// Correlation id covers every retry of the lookup so the control plane
	// can tie them together.
	if corId, err := uuid.GenerateUUID(); err == nil {
		req.Header.Set("X-Correlation-Id", corId)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op,
			errors.WithCode(errors.Unavailable),
			errors.WithMsg(fmt.Sprintf("error looking up %q", authority)))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errors.New(ctx, errors.NotFound, op,
			fmt.Sprintf("authority %q is unknown to the control plane", authority),
			errors.WithoutEvent())
	default:
		return nil, errors.New(ctx, errors.Unavailable, op,
			fmt.Sprintf("discovery lookup for %q returned status %d", authority, resp.StatusCode))
	}

	var dest destinationResponse
	if err := json.NewDecoder(resp.Body).Decode(&dest); err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithMsg("error decoding discovery response"))
	}

	// Endpoint identity names are only honored when the control plane
	// advertises a version that provides them.
	honorIdentity := false
	if v := resp.Header.Get(controlPlaneVersionHeader); v != "" {
		if cpVer, err := gvers.NewVersion(v); err == nil {
			honorIdentity = version.SupportsFeature(cpVer, version.EndpointIdentityFeature)
		}
	}
	if !honorIdentity {
		for i := range dest.Endpoints {
			dest.Endpoints[i].Identity = ""
		}
	}

	return &Resolution{
		Authority: authority,
		Endpoints: dest.Endpoints,
		Source:    SourceControlPlane,
		Expiry:    time.Now().Add(time.Duration(dest.TtlSeconds) * time.Second),
	}, nil
}
