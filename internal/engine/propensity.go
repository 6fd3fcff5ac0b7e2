package engine

import (
	"errors"
	"math"
)

var errSingular = errors.New("singular system")

// ScoreEpsilon bounds propensity scores away from 0 and 1 so the logit
// transform stays finite.
const ScoreEpsilon = 1e-6

// singularPivot is the smallest pivot magnitude the Newton solver accepts
// before declaring the system singular.
const singularPivot = 1e-12

// newtonRidge is added to the Hessian diagonal each iteration so a constant
// or collinear feature leaves the system solvable. A constant feature's
// gradient is zero, so its coefficient stays at zero.
const newtonRidge = 1e-9

// FitOptions configure a propensity model fit. Zero values take the package
// defaults.
type FitOptions struct {
	Tolerance         float64
	MaxIterations     int
	AllowNonConverged bool
}

// Model is a logistic regression of exposure on the matching features, fit by
// maximum likelihood. Coefficients live in the standardized feature space;
// Means and Scales reproduce the transform at scoring time.
type Model struct {
	Features     []string
	Intercept    float64
	Coefficients []float64
	Means        []float64
	Scales       []float64
	Iterations   int
	Converged    bool
	LastDelta    float64
}

// FitPropensity fits exposure ~ features over t with Newton-Raphson, fitting
// once per run to convergence tolerance. Features are standardized before the
// solve. The fit fails with DegenerateLabelError when a group is empty and
// with NonConvergenceError when the iteration cap is reached, unless
// AllowNonConverged accepts the best-effort model.
func FitPropensity(t *Table, opts FitOptions) (*Model, error) {
	tol := opts.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	exposed, unexposed := t.Counts()
	if exposed == 0 || unexposed == 0 {
		return nil, &DegenerateLabelError{Exposed: exposed, Unexposed: unexposed}
	}

	n := len(t.subjects)
	p := len(t.names)
	means, scales := t.moments()

	x := make([][]float64, n)
	y := make([]float64, n)
	for i, s := range t.subjects {
		row := make([]float64, p)
		for j, v := range s.Values {
			row[j] = (v - means[j]) / scales[j]
		}
		x[i] = row
		if s.Exposed {
			y[i] = 1
		}
	}

	// Newton-Raphson on [intercept, coefficients]: solve (X'WX) step = X'(y-mu)
	// each round, with W the diagonal of mu(1-mu).
	dim := p + 1
	beta := make([]float64, dim)
	grad := make([]float64, dim)
	hess := make([][]float64, dim)
	for j := range hess {
		hess[j] = make([]float64, dim)
	}
	xi := make([]float64, dim)
	xi[0] = 1

	model := &Model{
		Features: t.Names(),
		Means:    means,
		Scales:   scales,
	}
	for iter := 1; iter <= maxIter; iter++ {
		for j := 0; j < dim; j++ {
			grad[j] = 0
			for k := 0; k < dim; k++ {
				hess[j][k] = 0
			}
		}
		for i := 0; i < n; i++ {
			copy(xi[1:], x[i])
			eta := 0.0
			for j, b := range beta {
				eta += b * xi[j]
			}
			mu := sigmoid(eta)
			w := mu * (1 - mu)
			resid := y[i] - mu
			for j := 0; j < dim; j++ {
				grad[j] += resid * xi[j]
				wx := w * xi[j]
				for k := 0; k < dim; k++ {
					hess[j][k] += wx * xi[k]
				}
			}
		}
		for j := 0; j < dim; j++ {
			hess[j][j] += newtonRidge
		}

		step, err := solveLinear(hess, grad)
		if err != nil {
			return nil, &NonConvergenceError{Iterations: iter, Singular: true}
		}
		delta := 0.0
		for j := range beta {
			beta[j] += step[j]
			if d := math.Abs(step[j]); d > delta {
				delta = d
			}
		}
		model.Iterations = iter
		model.LastDelta = delta
		if delta < tol {
			model.Converged = true
			break
		}
	}

	model.Intercept = beta[0]
	model.Coefficients = append([]float64(nil), beta[1:]...)
	if !model.Converged && !opts.AllowNonConverged {
		return nil, &NonConvergenceError{Iterations: model.Iterations, LastDelta: model.LastDelta}
	}
	return model, nil
}

// Score returns the propensity score for a raw feature vector, strictly
// inside (0,1). Values are standardized with the fit-time moments; the result
// is clamped to the ScoreEpsilon boundary.
func (m *Model) Score(values []float64) float64 {
	eta := m.Intercept
	for j, v := range values {
		eta += m.Coefficients[j] * (v - m.Means[j]) / m.Scales[j]
	}
	p := sigmoid(eta)
	if p < ScoreEpsilon {
		return ScoreEpsilon
	}
	if p > 1-ScoreEpsilon {
		return 1 - ScoreEpsilon
	}
	return p
}

// ScoreTable scores every subject of t and splits the results by group, each
// carrying the logit-transformed score used for matching distance.
func (m *Model) ScoreTable(t *Table) (exposed, unexposed []ScoredSubject) {
	ne, nu := t.Counts()
	exposed = make([]ScoredSubject, 0, ne)
	unexposed = make([]ScoredSubject, 0, nu)
	for _, s := range t.subjects {
		scored := ScoredSubject{ID: s.ID, Logit: Logit(m.Score(s.Values))}
		if s.Exposed {
			exposed = append(exposed, scored)
		} else {
			unexposed = append(unexposed, scored)
		}
	}
	return exposed, unexposed
}

// Logit maps a probability in (0,1) to log-odds.
func Logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// solveLinear solves a*x = b by Gaussian elimination with partial pivoting.
// Both arguments are clobbered. A pivot below singularPivot fails the solve.
func solveLinear(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < singularPivot {
			return nil, errSingular
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			if f == 0 {
				continue
			}
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}
	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}
