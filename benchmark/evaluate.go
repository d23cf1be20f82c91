package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-spatialembed/models/postprocess"
	"github.com/nvr-ai/go-spatialembed/models/spatialembed"
)

// Mode selects which clusterer an evaluation runs.
type Mode string

const (
	// ModeSeed runs seed-driven clustering, the inference path.
	ModeSeed Mode = "seed"
	// ModeGroundTruth runs ground-truth-guided clustering, the upper bound of the embedding.
	ModeGroundTruth Mode = "gt"
)

// Sample pairs a network prediction with its ground-truth instance map.
type Sample struct {
	Name        string
	Prediction  *tensor.Dense
	GroundTruth *postprocess.InstanceMap
}

// SampleResult holds the scores of one evaluated sample.
type SampleResult struct {
	Name      string        `json:"name"`
	Scores    Scores        `json:"scores"`
	Instances int           `json:"instances"`
	Duration  time.Duration `json:"duration"`
}

// Options configures Evaluate.
type Options struct {
	// Mode picks the clusterer, ModeSeed when empty.
	Mode Mode
	// Workers bounds concurrent samples, runtime.NumCPU() when not positive.
	Workers int
	// Logger receives per-sample progress, a no-op logger when nil.
	Logger *zap.Logger
}

// Evaluate clusters every sample concurrently and scores it against its ground truth.
//
// Samples share the clusterer, so they share its grid and parameters. The first failing sample,
// in sample order, aborts the report.
//
// Arguments:
//   - ctx: Cancels samples that have not started yet.
//   - c: The clusterer to evaluate.
//   - samples: The (prediction, ground truth) pairs.
//   - opts: Evaluation options.
//
// Returns:
//   - *Report: Per-sample scores and their averages.
//   - error: The first sample error, or the context error.
//
// @example
//
//	report, err := benchmark.Evaluate(ctx, clusterer, samples, benchmark.Options{Workers: 4})
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("SBD %.3f |DiC| %.2f\n", report.MeanSBD, report.MeanAbsDiC)
func Evaluate(ctx context.Context, c *spatialembed.Clusterer, samples []Sample, opts Options) (*Report, error) {
	if c == nil {
		return nil, errors.New("evaluate: nil clusterer")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeSeed
	}
	if mode != ModeSeed && mode != ModeGroundTruth {
		return nil, errors.Errorf("evaluate: unknown mode %q", mode)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)
	start := time.Now()

	results := make([]SampleResult, len(samples))
	errs := make([]error, len(samples))
	semaphore := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range samples {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			res, err := evaluateSample(c, samples[i], mode)
			if err != nil {
				errs[i] = errors.Wrapf(err, "sample %q", samples[i].Name)
				return
			}
			results[i] = res
			logger.Debug("sample evaluated",
				zap.String("name", res.Name),
				zap.Float64("sbd", res.Scores.SBD),
				zap.Int("dic", res.Scores.DiC),
				zap.Duration("duration", res.Duration))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	report := &Report{
		Samples:       results,
		TotalDuration: time.Since(start),
		Memory: MemoryMetrics{
			AllocBytes:      endMem.Alloc,
			TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
			SysBytes:        endMem.Sys,
			NumGC:           endMem.NumGC - startMem.NumGC,
			HeapAllocBytes:  endMem.HeapAlloc,
		},
	}
	report.summarize()

	logger.Info("evaluation finished",
		zap.String("mode", string(mode)),
		zap.Int("samples", len(samples)),
		zap.Float64("sbd", report.MeanSBD),
		zap.Float64("abs_dic", report.MeanAbsDiC),
		zap.Float64("mean_iou", report.MeanIoU))
	return report, nil
}

func evaluateSample(c *spatialembed.Clusterer, s Sample, mode Mode) (SampleResult, error) {
	if s.GroundTruth == nil {
		return SampleResult{}, errors.New("missing ground truth")
	}
	start := time.Now()

	var pred *postprocess.InstanceMap
	switch mode {
	case ModeGroundTruth:
		m, err := c.ClusterWithGT(s.Prediction, s.GroundTruth)
		if err != nil {
			return SampleResult{}, err
		}
		pred = m
	default:
		r, err := c.Cluster(s.Prediction)
		if err != nil {
			return SampleResult{}, err
		}
		pred = r.InstanceMap
	}
	if pred.Width != s.GroundTruth.Width || pred.Height != s.GroundTruth.Height {
		return SampleResult{}, errors.Wrapf(spatialembed.ErrShapeMismatch,
			"prediction %dx%d, ground truth %dx%d",
			pred.Width, pred.Height, s.GroundTruth.Width, s.GroundTruth.Height)
	}

	return SampleResult{
		Name:      s.Name,
		Scores:    Score(pred, s.GroundTruth),
		Instances: pred.Count(),
		Duration:  time.Since(start),
	}, nil
}

// Save writes the report as JSON plus a per-sample CSV summary into dir.
//
// Arguments:
//   - dir: The output directory, created when missing.
//
// Returns:
//   - string: The path of the JSON report.
//   - error: Any filesystem error.
func (r *Report) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create output directory")
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	reportFile := filepath.Join(dir, fmt.Sprintf("evaluation_%s.json", timestamp))

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal report")
	}
	if err := os.WriteFile(reportFile, data, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write report file")
	}

	summaryFile := filepath.Join(dir, fmt.Sprintf("evaluation_summary_%s.csv", timestamp))
	if err := r.saveSummaryCSV(summaryFile); err != nil {
		return "", errors.Wrap(err, "failed to save summary CSV")
	}
	return reportFile, nil
}

func (r *Report) saveSummaryCSV(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.WriteString("Sample,SBD,DiC,Mean_IoU,Instances,Duration_ms\n"); err != nil {
		return err
	}
	for _, s := range r.Samples {
		line := fmt.Sprintf("%s,%.4f,%d,%.4f,%d,%.2f\n",
			s.Name,
			s.Scores.SBD,
			s.Scores.DiC,
			s.Scores.MeanIoU,
			s.Instances,
			float64(s.Duration.Nanoseconds())/1e6,
		)
		if _, err := file.WriteString(line); err != nil {
			return err
		}
	}
	return nil
}
