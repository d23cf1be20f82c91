// Command segment runs instance segmentation over images and writes the results as PNGs.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

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
		inputPath  string
		outputDir  string
		masks      bool
		overlay    float64
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&modelPath, "model", "", "Path to an ONNX model, overrides model.path")
	flag.StringVar(&inputPath, "image", "", "Image file or directory of images")
	flag.StringVar(&outputDir, "output-dir", "segmentation", "Output directory")
	flag.BoolVar(&masks, "masks", false, "Also write one binary mask per instance")
	flag.Float64Var(&overlay, "overlay", 0, "Blend the coloured instances over the input at this opacity, 0 writes the colour map only")
	flag.Parse()

	if inputPath == "" {
		log.Fatal("-image is required")
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

	clusterer, err := cfg.NewClusterer(logger.Named("cluster"))
	if err != nil {
		log.Fatal(err)
	}
	seg, err := inference.NewSegmenter(cfg.Model, logger.Named("segmenter"))
	if err != nil {
		log.Fatal(err)
	}
	defer seg.Close()
	pipeline, err := inference.NewPipeline(seg, clusterer, inference.WithMaskNMS(cfg.Cluster.MaskNMSThreshold))
	if err != nil {
		log.Fatal(err)
	}

	paths, err := inputs(inputPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	for _, path := range paths {
		if err := segmentFile(ctx, pipeline, path, outputDir, masks, overlay); err != nil {
			logger.Log().Error("segmentation failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// inputs expands a directory into its image files.
func inputs(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := util.LoadDirectoryImageFiles(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out, nil
}

func segmentFile(ctx context.Context, pipeline *inference.Pipeline, path, outputDir string, masks bool, overlay float64) error {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		return fmt.Errorf("cannot read image %s", path)
	}
	defer mat.Close()

	img, err := mat.ToImage()
	if err != nil {
		return err
	}

	result, err := pipeline.Segment(ctx, img)
	if err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var colored image.Image = images.Colorize(result.InstanceMap)
	if overlay > 0 {
		colored = images.Overlay(img, result.InstanceMap, overlay)
	}
	if err := writeRGB(filepath.Join(outputDir, base+"_instances.png"), colored); err != nil {
		return err
	}

	if masks {
		for _, inst := range result.Instances {
			gray, err := gocv.ImageGrayToMatGray(images.MaskToGray(inst.Mask))
			if err != nil {
				return err
			}
			name := filepath.Join(outputDir, fmt.Sprintf("%s_%03d.png", base, inst.ID))
			ok := gocv.IMWrite(name, gray)
			gray.Close()
			if !ok {
				return fmt.Errorf("cannot write %s", name)
			}
		}
	}

	logger.Log().Info("segmented",
		zap.String("path", path),
		zap.Int("instances", len(result.Instances)),
		zap.Duration("duration", result.Duration))
	return nil
}

func writeRGB(path string, img image.Image) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return err
	}
	defer mat.Close()
	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("cannot write %s", path)
	}
	return nil
}
