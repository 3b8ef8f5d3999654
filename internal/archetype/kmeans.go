// Package archetype discovers behavioural groups among traders with a
// deterministic k-means fit. Group ids are stable for identical input: the
// population is ordered by wallet, seeded by farthest-first traversal and
// relabelled canonically after convergence.
package archetype

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/MoonCraze/trader-selection/internal/model"
)

// MinPopulation is the smallest population a model can be fitted on.
const MinPopulation = 10

// ErrInsufficientData is returned when fewer than MinPopulation traders are
// available. Callers surface it as "analysis unavailable", never as a crash.
var ErrInsufficientData = errors.New("archetype: insufficient data")

// Config controls the fit. K is fixed per deployment so group counts do not
// drift between runs.
type Config struct {
	K             int
	MaxIterations int
}

// DefaultConfig returns the production fit settings.
func DefaultConfig() Config {
	return Config{K: 5, MaxIterations: 100}
}

// Assignment is a trader's group and normalized in-group distance. Fit is 0
// at the centroid and 1 for the group's farthest member.
type Assignment struct {
	GroupID int     `json:"group_id"`
	Fit     float64 `json:"fit"`
}

// Model is a fitted grouping for one run. It is read-only once returned.
type Model struct {
	centroids   [][]float64
	sizes       []int
	assignments map[string]Assignment
	iterations  int
}

// K returns the number of groups.
func (m *Model) K() int { return len(m.centroids) }

// Iterations returns how many Lloyd iterations ran before convergence.
func (m *Model) Iterations() int { return m.iterations }

// Sizes returns the member count per group id.
func (m *Model) Sizes() []int {
	out := make([]int, len(m.sizes))
	copy(out, m.sizes)
	return out
}

// Assignment returns the group of wallet.
func (m *Model) Assignment(wallet string) (Assignment, bool) {
	a, ok := m.assignments[wallet]
	return a, ok
}

// Assignments returns a copy of every wallet's assignment.
func (m *Model) Assignments() map[string]Assignment {
	out := make(map[string]Assignment, len(m.assignments))
	for w, a := range m.assignments {
		out[w] = a
	}
	return out
}

// Discover fits the grouping model over the run's feature population.
func Discover(population []model.FeatureVector, cfg Config) (*Model, error) {
	n := len(population)
	if n < MinPopulation {
		return nil, fmt.Errorf("%w: %d traders, need %d", ErrInsufficientData, n, MinPopulation)
	}
	if cfg.K < 1 {
		cfg.K = DefaultConfig().K
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}

	sorted := make([]model.FeatureVector, n)
	copy(sorted, population)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Wallet < sorted[j].Wallet })

	points := standardize(sorted)
	k := cfg.K
	if d := distinct(points); d < k {
		k = d
	}

	centroids := seed(points, k)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	iterations := 0
	for iterations < cfg.MaxIterations {
		iterations++
		changed := false
		for i, p := range points {
			c := nearest(p, centroids)
			if c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		centroids = recompute(points, labels, centroids)
	}

	return build(sorted, points, labels, centroids, iterations), nil
}

// vectorize maps a feature vector onto clustering dimensions. Heavy-tailed
// money, volume and count fields are log-compressed.
func vectorize(fv model.FeatureVector) []float64 {
	return []float64{
		signedLog1p(fv.TotalPnL),
		signedLog1p(fv.RealizedPnL),
		signedLog1p(fv.ROI),
		fv.WinRate,
		math.Log1p(fv.TotalTrades),
		math.Log1p(fv.TotalVolume),
		signedLog1p(fv.AvgProfit),
		math.Log1p(fv.ProfitFactor),
	}
}

func signedLog1p(v float64) float64 {
	if v < 0 {
		return -math.Log1p(-v)
	}
	return math.Log1p(v)
}

// standardize z-scores each dimension. Constant dimensions collapse to 0.
func standardize(population []model.FeatureVector) [][]float64 {
	points := make([][]float64, len(population))
	for i, fv := range population {
		points[i] = vectorize(fv)
	}
	dims := len(points[0])
	col := make([]float64, len(points))
	for d := 0; d < dims; d++ {
		for i := range points {
			col[i] = points[i][d]
		}
		mean, std := stat.MeanStdDev(col, nil)
		for i := range points {
			if std == 0 || math.IsNaN(std) {
				points[i][d] = 0
				continue
			}
			points[i][d] = (points[i][d] - mean) / std
		}
	}
	return points
}

func distinct(points [][]float64) int {
	seen := make(map[string]struct{}, len(points))
	for _, p := range points {
		seen[fmt.Sprint(p)] = struct{}{}
	}
	return len(seen)
}

// seed picks initial centroids by farthest-first traversal, starting from the
// point nearest the population mean (the origin after standardization). Ties
// go to the lowest index, i.e. the smallest wallet.
func seed(points [][]float64, k int) [][]float64 {
	origin := make([]float64, len(points[0]))
	first := 0
	best := math.Inf(1)
	for i, p := range points {
		if d := floats.Distance(p, origin, 2); d < best {
			best, first = d, i
		}
	}

	centroids := [][]float64{clone(points[first])}
	minDist := make([]float64, len(points))
	for i, p := range points {
		minDist[i] = floats.Distance(p, centroids[0], 2)
	}
	for len(centroids) < k {
		next, far := -1, -1.0
		for i, d := range minDist {
			if d > far {
				next, far = i, d
			}
		}
		c := clone(points[next])
		centroids = append(centroids, c)
		for i, p := range points {
			if d := floats.Distance(p, c, 2); d < minDist[i] {
				minDist[i] = d
			}
		}
	}
	return centroids
}

func nearest(p []float64, centroids [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := floats.Distance(p, centroid, 2); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// recompute moves each centroid to its members' mean. Empty groups keep the
// previous centroid.
func recompute(points [][]float64, labels []int, prev [][]float64) [][]float64 {
	dims := len(points[0])
	sums := make([][]float64, len(prev))
	counts := make([]int, len(prev))
	for c := range sums {
		sums[c] = make([]float64, dims)
	}
	for i, p := range points {
		floats.Add(sums[labels[i]], p)
		counts[labels[i]]++
	}
	next := make([][]float64, len(prev))
	for c := range prev {
		if counts[c] == 0 {
			next[c] = clone(prev[c])
			continue
		}
		floats.Scale(1/float64(counts[c]), sums[c])
		next[c] = sums[c]
	}
	return next
}

// build relabels groups canonically (size desc, then smallest member wallet)
// and computes normalized fit distances.
func build(population []model.FeatureVector, points [][]float64, labels []int, centroids [][]float64, iterations int) *Model {
	k := len(centroids)
	sizes := make([]int, k)
	firstMember := make([]int, k)
	for c := range firstMember {
		firstMember[c] = len(points)
	}
	for i, l := range labels {
		sizes[l]++
		if i < firstMember[l] {
			firstMember[l] = i
		}
	}

	order := make([]int, k)
	for c := range order {
		order[c] = c
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := order[a], order[b]
		if sizes[ca] != sizes[cb] {
			return sizes[ca] > sizes[cb]
		}
		if firstMember[ca] != firstMember[cb] {
			return firstMember[ca] < firstMember[cb]
		}
		return ca < cb
	})
	relabel := make([]int, k)
	for newID, old := range order {
		relabel[old] = newID
	}

	dist := make([]float64, len(points))
	maxDist := make([]float64, k)
	for i, p := range points {
		dist[i] = floats.Distance(p, centroids[labels[i]], 2)
		if dist[i] > maxDist[labels[i]] {
			maxDist[labels[i]] = dist[i]
		}
	}

	m := &Model{
		centroids:   make([][]float64, k),
		sizes:       make([]int, k),
		assignments: make(map[string]Assignment, len(points)),
		iterations:  iterations,
	}
	for old, c := range centroids {
		m.centroids[relabel[old]] = c
		m.sizes[relabel[old]] = sizes[old]
	}
	for i, fv := range population {
		l := labels[i]
		fit := 0.0
		if maxDist[l] > 0 {
			fit = dist[i] / maxDist[l]
		}
		m.assignments[fv.Wallet] = Assignment{GroupID: relabel[l], Fit: fit}
	}
	return m
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
