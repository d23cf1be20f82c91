package benchmark

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-spatialembed/models/postprocess"
	"github.com/nvr-ai/go-spatialembed/models/spatialembed"
)

const evalSize = 8

// pointSample returns a sample whose ground truth holds single-pixel instances and whose
// prediction has zero offsets, zero seeds and kernels too narrow to reach a neighbour.
func pointSample(t *testing.T, name string) Sample {
	t.Helper()
	data := make([]float32, 4*evalSize*evalSize)
	plane := evalSize * evalSize
	for i := 0; i < plane; i++ {
		data[2*plane+i] = 5
	}
	gt := postprocess.NewInstanceMap(evalSize, evalSize)
	gt.Set(1, 1, 1)
	gt.Set(6, 5, 2)
	return Sample{
		Name:        name,
		Prediction:  tensor.New(tensor.WithShape(4, evalSize, evalSize), tensor.WithBacking(data)),
		GroundTruth: gt,
	}
}

func newEvalClusterer(t *testing.T) *spatialembed.Clusterer {
	t.Helper()
	grid, err := spatialembed.NewGrid(evalSize, evalSize)
	require.NoError(t, err)
	c, err := spatialembed.NewClusterer(grid)
	require.NoError(t, err)
	return c
}

func TestEvaluateGroundTruthMode(t *testing.T) {
	c := newEvalClusterer(t)
	samples := []Sample{pointSample(t, "a"), pointSample(t, "b"), pointSample(t, "c")}

	report, err := Evaluate(context.Background(), c, samples, Options{Mode: ModeGroundTruth, Workers: 2})
	require.NoError(t, err)
	require.Len(t, report.Samples, 3)

	for i, s := range report.Samples {
		assert.Equal(t, samples[i].Name, s.Name)
		assert.Equal(t, 2, s.Instances)
	}
	assert.InDelta(t, 1.0, report.MeanSBD, 1e-9)
	assert.InDelta(t, 1.0, report.MeanIoU, 1e-9)
	assert.Zero(t, report.MeanAbsDiC)
}

func TestEvaluateSeedModeFindsNothing(t *testing.T) {
	c := newEvalClusterer(t)

	report, err := Evaluate(context.Background(), c, []Sample{pointSample(t, "a")}, Options{})
	require.NoError(t, err)

	assert.Zero(t, report.MeanSBD)
	assert.InDelta(t, -2.0, report.MeanDiC, 1e-9)
	assert.InDelta(t, 2.0, report.MeanAbsDiC, 1e-9)
}

func TestEvaluateErrors(t *testing.T) {
	c := newEvalClusterer(t)

	_, err := Evaluate(context.Background(), nil, nil, Options{})
	assert.Error(t, err)

	_, err = Evaluate(context.Background(), c, nil, Options{Mode: "bogus"})
	assert.Error(t, err)

	missing := pointSample(t, "missing")
	missing.GroundTruth = nil
	_, err = Evaluate(context.Background(), c, []Sample{missing}, Options{})
	assert.ErrorContains(t, err, "missing")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Evaluate(ctx, c, []Sample{pointSample(t, "a")}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateEmpty(t *testing.T) {
	report, err := Evaluate(context.Background(), newEvalClusterer(t), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Samples)
	assert.Zero(t, report.MeanSBD)
}

func TestReportSave(t *testing.T) {
	c := newEvalClusterer(t)
	report, err := Evaluate(context.Background(), c, []Sample{pointSample(t, "a")}, Options{Mode: ModeGroundTruth})
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "out")
	path, err := report.Save(dir)
	require.NoError(t, err)
	assert.FileExists(t, path)

	csvs, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	require.Len(t, csvs, 1)
	data, err := os.ReadFile(csvs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "Sample,SBD,DiC")
	assert.Contains(t, string(data), "a,1.0000,0,1.0000,2,")
}
