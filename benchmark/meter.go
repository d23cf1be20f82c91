package benchmark

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Meter keeps thread-safe running averages for a fixed number of classes.
type Meter struct {
	mu    sync.Mutex
	sum   []float64
	count []int
}

// NewMeter creates a meter for numClasses classes (at least one).
func NewMeter(numClasses int) *Meter {
	numClasses = max(numClasses, 1)
	return &Meter{
		sum:   make([]float64, numClasses),
		count: make([]int, numClasses),
	}
}

// Update adds a value to class cl.
func (m *Meter) Update(val float64, cl int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sum[cl] += val
	m.count[cl]++
}

// Reset clears every class.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sum {
		m.sum[i] = 0
		m.count[i] = 0
	}
}

// AvgPerClass returns the mean of each class; classes without a positive sum report zero.
func (m *Meter) AvgPerClass() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgPerClass()
}

func (m *Meter) avgPerClass() []float64 {
	out := make([]float64, len(m.sum))
	for i, s := range m.sum {
		if s > 0 {
			out[i] = s / float64(m.count[i])
		}
	}
	return out
}

// Avg returns the mean of the per-class averages.
func (m *Meter) Avg() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return stat.Mean(m.avgPerClass(), nil)
}
