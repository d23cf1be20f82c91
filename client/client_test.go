package client

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-spatialembed/inference"
	"github.com/nvr-ai/go-spatialembed/models/postprocess"
	"github.com/nvr-ai/go-spatialembed/models/spatialembed"
	"github.com/nvr-ai/go-spatialembed/server"
)

const gridSize = 16

type staticSegmenter struct {
	seg *inference.Segmentation
}

func (s staticSegmenter) Segment(ctx context.Context, img image.Image) (*inference.Segmentation, error) {
	return s.seg, nil
}

func startServer(t *testing.T, opts ...server.Option) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	params := spatialembed.DefaultParams()
	params.MinRegionSize = 4
	c, err := spatialembed.NewClusterer(spatialembed.MustNewGrid(gridSize, gridSize), spatialembed.WithParams(params))
	require.NoError(t, err)
	s, err := server.New(c, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL, 0)
}

func blockPrediction() server.ClusterRequest {
	plane := gridSize * gridSize
	data := make([]float32, 4*plane)
	for i := 0; i < plane; i++ {
		data[2*plane+i] = -1
		data[3*plane+i] = -5
	}
	for y := 8; y < 12; y++ {
		for x := 4; x < 8; x++ {
			data[3*plane+y*gridSize+x] = 5
		}
	}
	return server.ClusterRequest{Shape: []int{4, gridSize, gridSize}, Data: data}
}

func TestClientPing(t *testing.T) {
	c := startServer(t)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestClientPingUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()
	assert.Error(t, New(ts.URL, 0).Ping(context.Background()))
}

func TestClientCluster(t *testing.T) {
	c := startServer(t)

	resp, err := c.Cluster(context.Background(), blockPrediction())
	require.NoError(t, err)
	require.Len(t, resp.Instances, 1)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, server.Rect{X: 4, Y: 8, Width: 4, Height: 4}, resp.Instances[0].Bounds)

	m, err := DecodeInstanceMap(resp)
	require.NoError(t, err)
	assert.Equal(t, 16, m.Mask(1).Area())
	assert.Equal(t, uint16(1), m.At(5, 9))
}

func TestClientClusterServerError(t *testing.T) {
	c := startServer(t)

	_, err := c.Cluster(context.Background(), server.ClusterRequest{Shape: []int{4, 2, 2}, Data: []float32{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "needs 16 values")
}

func TestClientSegment(t *testing.T) {
	m := postprocess.NewInstanceMap(4, 4)
	m.Set(0, 0, 3)
	seg := &inference.Segmentation{
		InstanceMap: m,
		Instances:   []postprocess.Instance{{ID: 3, Score: 0.7, Mask: m.Mask(3)}},
	}
	c := startServer(t, server.WithSegmenter(staticSegmenter{seg: seg}))

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))

	resp, err := c.Segment(context.Background(), "plant_rgb.png", &buf)
	require.NoError(t, err)
	require.Len(t, resp.Instances, 1)
	assert.Equal(t, uint16(3), resp.Instances[0].ID)
	assert.Equal(t, 1, resp.Instances[0].Area)
}

func TestClientSegmentWithoutModel(t *testing.T) {
	c := startServer(t)

	_, err := c.Segment(context.Background(), "plant_rgb.png", bytes.NewReader([]byte("x")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model loaded")
}
