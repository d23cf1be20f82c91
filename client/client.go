// Package client - HTTP client for the clustering service.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-spatialembed/images"
	"github.com/nvr-ai/go-spatialembed/models/postprocess"
	"github.com/nvr-ai/go-spatialembed/server"
)

// DefaultTimeout bounds every request unless overridden.
const DefaultTimeout = 30 * time.Second

// Client calls a running clustering service.
type Client struct {
	http *resty.Client
}

// New creates a client for the service at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

// Ping checks that the service is up.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/api/ping")
	if err != nil {
		return errors.Wrap(err, "ping")
	}
	if resp.StatusCode() != http.StatusOK {
		return errors.Errorf("ping: server returned %s", resp.Status())
	}
	return nil
}

// Cluster sends a prediction to POST /api/cluster.
//
// Arguments:
//   - ctx: Request context.
//   - req: The prediction and clustering mode.
//
// Returns:
//   - *server.Response: The clustered instances.
//   - error: A transport error or the server's error message.
func (c *Client) Cluster(ctx context.Context, req server.ClusterRequest) (*server.Response, error) {
	var out server.Response
	var apiErr server.ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/cluster")
	if err != nil {
		return nil, errors.Wrap(err, "cluster request")
	}
	if resp.IsError() {
		return nil, errors.Errorf("cluster: server returned %s: %s", resp.Status(), apiErr.Error)
	}
	return &out, nil
}

// Segment uploads an encoded image to POST /api/segment.
func (c *Client) Segment(ctx context.Context, filename string, img io.Reader) (*server.Response, error) {
	var out server.Response
	var apiErr server.ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("image", filename, img).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/segment")
	if err != nil {
		return nil, errors.Wrap(err, "segment request")
	}
	if resp.IsError() {
		return nil, errors.Errorf("segment: server returned %s: %s", resp.Status(), apiErr.Error)
	}
	return &out, nil
}

// DecodeInstanceMap decodes the base64 PNG instance map of a response.
func DecodeInstanceMap(resp *server.Response) (*postprocess.InstanceMap, error) {
	data, err := base64.StdEncoding.DecodeString(resp.Mask)
	if err != nil {
		return nil, errors.Wrap(err, "decode base64 mask")
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode png mask")
	}
	return images.InstanceMapFromImage(img)
}
