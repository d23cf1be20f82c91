// Package config - YAML configuration of the clustering service and tools.
package config

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-spatialembed/logger"
	"github.com/nvr-ai/go-spatialembed/models/model"
	"github.com/nvr-ai/go-spatialembed/models/spatialembed"
)

// Config is the root of the YAML configuration.
type Config struct {
	Grid    GridConfig     `yaml:"grid" json:"grid"`
	Cluster ClusterConfig  `yaml:"cluster" json:"cluster"`
	Model   model.Config   `yaml:"model" json:"model"`
	Server  ServerConfig   `yaml:"server" json:"server"`
	Log     logger.Options `yaml:"log" json:"log"`
}

// GridConfig sizes the shared coordinate grid, the largest prediction the clusterer accepts.
type GridConfig struct {
	MaxHeight int `yaml:"max_height" json:"max_height"`
	MaxWidth  int `yaml:"max_width" json:"max_width"`
}

// ClusterConfig holds the clustering parameters plus proposal post-processing.
type ClusterConfig struct {
	spatialembed.Params `yaml:",inline"`
	// MaskNMSThreshold suppresses proposals whose mask IoU with a better one exceeds it, 0 disables.
	MaskNMSThreshold float64 `yaml:"mask_nms_threshold" json:"mask_nms_threshold"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string `yaml:"addr" json:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" json:"max_upload_bytes"`
}

// Default returns the configuration the CVPPP models were trained and evaluated with.
func Default() Config {
	return Config{
		Grid: GridConfig{
			MaxHeight: spatialembed.DefaultGridHeight,
			MaxWidth:  spatialembed.DefaultGridWidth,
		},
		Cluster: ClusterConfig{Params: spatialembed.DefaultParams()},
		Model:   model.DefaultConfig(),
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 32 << 20,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
//
// Arguments:
//   - path: The YAML file. Keys that are absent keep their default value.
//
// Returns:
//   - Config: The merged configuration.
//   - error: An error if the file cannot be read, parsed or validated.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Validate checks every section. The model section is only checked when a model path is set.
func (c Config) Validate() error {
	if c.Grid.MaxHeight <= 0 || c.Grid.MaxWidth <= 0 {
		return errors.Errorf("grid: invalid extent %dx%d", c.Grid.MaxHeight, c.Grid.MaxWidth)
	}
	if err := c.Cluster.Params.Validate(); err != nil {
		return errors.Wrap(err, "cluster")
	}
	if c.Cluster.MaskNMSThreshold < 0 || c.Cluster.MaskNMSThreshold > 1 {
		return errors.Errorf("cluster: mask_nms_threshold %v outside [0, 1]", c.Cluster.MaskNMSThreshold)
	}
	if c.Model.Path != "" {
		if err := c.Model.Validate(); err != nil {
			return errors.Wrap(err, "model")
		}
		if c.Model.NSigma != c.Cluster.NSigma {
			return errors.Errorf("model n_sigma %d does not match cluster n_sigma %d",
				c.Model.NSigma, c.Cluster.NSigma)
		}
		if c.Model.InputHeight > c.Grid.MaxHeight || c.Model.InputWidth > c.Grid.MaxWidth {
			return errors.Errorf("model input %dx%d exceeds grid %dx%d",
				c.Model.InputWidth, c.Model.InputHeight, c.Grid.MaxWidth, c.Grid.MaxHeight)
		}
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.Errorf("server: invalid max_upload_bytes %d", c.Server.MaxUploadBytes)
	}
	return nil
}

// NewClusterer builds the shared grid and a clusterer for the cluster section.
func (c Config) NewClusterer(l *zap.Logger) (*spatialembed.Clusterer, error) {
	grid, err := spatialembed.NewGrid(c.Grid.MaxHeight, c.Grid.MaxWidth)
	if err != nil {
		return nil, err
	}
	return spatialembed.NewClusterer(grid,
		spatialembed.WithParams(c.Cluster.Params),
		spatialembed.WithLogger(l),
	)
}
