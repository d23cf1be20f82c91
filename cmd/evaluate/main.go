// Command evaluate scores instance segmentation on a labeled dataset directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/nvr-ai/go-spatialembed/benchmark"
	"github.com/nvr-ai/go-spatialembed/config"
	"github.com/nvr-ai/go-spatialembed/images"
	"github.com/nvr-ai/go-spatialembed/inference"
	"github.com/nvr-ai/go-spatialembed/logger"
	"github.com/nvr-ai/go-spatialembed/util"
)

func main() {
	var (
		configPath string
		modelPath  string
		dataDir    string
		mode       string
		workers    int
		outputDir  string
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&modelPath, "model", "", "Path to an ONNX model, overrides model.path")
	flag.StringVar(&dataDir, "data", "", "Directory of <name>_rgb.png / <name>_label.png pairs")
	flag.StringVar(&mode, "mode", string(benchmark.ModeSeed), "Clustering mode: seed or gt")
	flag.IntVar(&workers, "workers", 0, "Concurrent clustering workers, 0 uses every CPU")
	flag.StringVar(&outputDir, "output-dir", "", "Write the JSON report and CSV summary here")
	flag.Parse()

	if dataDir == "" {
		log.Fatal("-data is required")
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			log.Fatal(err)
		}
	}
	if modelPath != "" {
		cfg.Model.Path = modelPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, dataDir, benchmark.Mode(mode), workers, outputDir); err != nil {
		logger.Log().Error("evaluation failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, dataDir string, mode benchmark.Mode, workers int, outputDir string) error {
	pairs, err := util.LoadLabeledImages(dataDir)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return fmt.Errorf("no labeled images in %s", dataDir)
	}

	clusterer, err := cfg.NewClusterer(logger.Named("cluster"))
	if err != nil {
		return err
	}
	seg, err := inference.NewSegmenter(cfg.Model, logger.Named("segmenter"))
	if err != nil {
		return err
	}
	defer seg.Close()

	// The network runs one image at a time; clustering fans out in Evaluate.
	latency := benchmark.NewMeter(1)
	samples := make([]benchmark.Sample, 0, len(pairs))
	for _, p := range pairs {
		img, labels, err := p.Load()
		if err != nil {
			return err
		}
		start := time.Now()
		pred, err := seg.Predict(ctx, img)
		if err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
		latency.Update(float64(time.Since(start).Milliseconds()), 0)

		samples = append(samples, benchmark.Sample{
			Name:        p.Name,
			Prediction:  pred,
			GroundTruth: images.ResizeInstanceMap(labels, cfg.Model.InputWidth, cfg.Model.InputHeight),
		})
	}

	report, err := benchmark.Evaluate(ctx, clusterer, samples, benchmark.Options{
		Mode:    mode,
		Workers: workers,
		Logger:  logger.Named("evaluate"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("samples:        %d\n", len(report.Samples))
	fmt.Printf("SBD:            %.4f\n", report.MeanSBD)
	fmt.Printf("DiC:            %.3f\n", report.MeanDiC)
	fmt.Printf("|DiC|:          %.3f\n", report.MeanAbsDiC)
	fmt.Printf("mean IoU:       %.4f\n", report.MeanIoU)
	fmt.Printf("network ms:     %.2f\n", latency.Avg())
	fmt.Printf("clustering fps: %.2f\n", report.FramesPerSecond)

	if outputDir != "" {
		path, err := report.Save(outputDir)
		if err != nil {
			return err
		}
		logger.Log().Info("report saved", zap.String("path", path))
	}
	return nil
}
