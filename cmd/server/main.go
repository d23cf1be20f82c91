// Command server serves the clustering HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-spatialembed/config"
	"github.com/nvr-ai/go-spatialembed/inference"
	"github.com/nvr-ai/go-spatialembed/logger"
	"github.com/nvr-ai/go-spatialembed/profiler"
	"github.com/nvr-ai/go-spatialembed/server"
)

func main() {
	var (
		configPath string
		addr       string
		modelPath  string
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	flag.StringVar(&modelPath, "model", "", "Path to an ONNX model, overrides model.path")
	flag.Parse()

	if err := run(configPath, addr, modelPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, addr, modelPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if modelPath != "" {
		cfg.Model.Path = modelPath
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	clusterer, err := cfg.NewClusterer(logger.Named("cluster"))
	if err != nil {
		return err
	}

	prof := profiler.New(0)
	opts := []server.Option{
		server.WithLogger(logger.Named("http")),
		server.WithProfiler(prof),
		server.WithMaskNMS(cfg.Cluster.MaskNMSThreshold),
		server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
	}
	if cfg.Model.Path != "" {
		seg, err := inference.NewSegmenter(cfg.Model, logger.Named("segmenter"))
		if err != nil {
			return err
		}
		defer seg.Close()

		pipeline, err := inference.NewPipeline(seg, clusterer,
			inference.WithMaskNMS(cfg.Cluster.MaskNMSThreshold),
			inference.WithPipelineLogger(logger.Named("pipeline")),
			inference.WithProfiler(prof))
		if err != nil {
			return err
		}
		opts = append(opts, server.WithSegmenter(pipeline))
	} else {
		logger.Log().Warn("no model configured, /api/segment is disabled")
	}

	srv, err := server.New(clusterer, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go prof.Report(ctx, time.Minute, logger.Named("profiler"))

	logger.Log().Info("starting server",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("grid_height", cfg.Grid.MaxHeight),
		zap.Int("grid_width", cfg.Grid.MaxWidth),
		zap.Int("n_sigma", cfg.Cluster.NSigma))
	return srv.Run(ctx, cfg.Server.Addr)
}
