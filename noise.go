package atlas

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
)

// NoiseModel selects the generative observation model.
type NoiseModel int

const (
	Categorical NoiseModel = iota + 1 // Multinomial class responsibilities.
	Bernoulli                         // Binary responsibilities, single channel.
	Normal                            // Gaussian intensities.
)

var (
	noiseNames  = [...]string{Categorical: "Categorical", Bernoulli: "Bernoulli", Normal: "Normal"}
	noiseByName = map[string]NoiseModel{
		"Categorical": Categorical,
		"Bernoulli":   Bernoulli,
		"Normal":      Normal,
	}
)

// Compile-time interface checks.
var (
	_ fmt.Stringer             = NoiseModel(0)
	_ json.Marshaler           = NoiseModel(0)
	_ json.Unmarshaler         = (*NoiseModel)(nil)
	_ encoding.TextMarshaler   = NoiseModel(0)
	_ encoding.TextUnmarshaler = (*NoiseModel)(nil)
)

// IsValid reports whether m is a known noise model.
func (m NoiseModel) IsValid() bool { return m >= Categorical && m <= Normal }

// String returns the name of the model ("Categorical", "Bernoulli", "Normal").
// For invalid values it returns "NoiseModel(n)".
func (m NoiseModel) String() string {
	if m.IsValid() {
		return noiseNames[m]
	}
	return fmt.Sprintf("NoiseModel(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m NoiseModel) MarshalText() ([]byte, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("%w: noise model %d", ErrInvalidOptions, int(m))
	}
	return []byte(noiseNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *NoiseModel) UnmarshalText(text []byte) error {
	v, ok := noiseByName[string(text)]
	if !ok {
		return fmt.Errorf("%w: noise model %q", ErrInvalidOptions, text)
	}
	*m = v
	return nil
}

// MarshalJSON implements json.Marshaler. NoiseModel serializes as a string.
func (m NoiseModel) MarshalJSON() ([]byte, error) {
	text, err := m.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(text))
}

// UnmarshalJSON implements json.Unmarshaler. Expects a JSON string.
func (m *NoiseModel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: noise model %s", ErrInvalidOptions, data)
	}
	return m.UnmarshalText([]byte(s))
}

// Matcher is the per-subject matching primitive. Given the template, a
// subject's observed data, and the subject's deformation expressed as
// absolute sample positions psi, it evaluates the matching term of the
// bound. Callers never assume its internal discretization.
type Matcher interface {
	// LogLik returns the matching log-likelihood of the template warped
	// by psi against obs.
	LogLik(tpl *Template, obs []float64, psi Field) float64

	// GradHess returns the per-voxel gradient (3 per voxel) and the
	// positive-semidefinite Gauss-Newton Hessian (6 per voxel, packed
	// xx yy zz xy xz yz) of the matching log-likelihood with respect to
	// the deformation, along with the log-likelihood itself.
	GradHess(tpl *Template, obs []float64, psi Field) (grad Field, hess []float64, ll float64)
}

// NewMatcher returns the reference matcher for the given noise model.
func NewMatcher(m NoiseModel) (Matcher, error) {
	switch m {
	case Categorical:
		return categoricalMatcher{}, nil
	case Bernoulli:
		return bernoulliMatcher{}, nil
	case Normal:
		return normalMatcher{}, nil
	default:
		return nil, fmt.Errorf("%w: noise model %d", ErrInvalidOptions, int(m))
	}
}

// probFloor keeps categorical probabilities away from log(0).
const probFloor = 1e-6

// hessRidge keeps per-voxel Gauss-Newton Hessians positive definite.
const hessRidge = 1e-5

type categoricalMatcher struct{}

// LogLik: Σ_x Σ_c obs_c(x)·log μ_c(ψ(x)).
func (categoricalMatcher) LogLik(tpl *Template, obs []float64, psi Field) float64 {
	var ll float64
	n := tpl.Lat.Len()
	for i := 0; i < n; i++ {
		px, py, pz := psi[3*i], psi[3*i+1], psi[3*i+2]
		for c := 0; c < tpl.Classes; c++ {
			o := obs[i*tpl.Classes+c]
			if o == 0 {
				continue
			}
			mu := math.Max(tpl.Sample(c, px, py, pz), probFloor)
			ll += o * math.Log(mu)
		}
	}
	return ll
}

func (m categoricalMatcher) GradHess(tpl *Template, obs []float64, psi Field) (Field, []float64, float64) {
	grad, hess := gradHessWeighted(tpl, obs, psi, func(o, mu float64) (float64, float64) {
		mu = math.Max(mu, probFloor)
		// d/dμ of o·log μ, and the Fisher weight 1/μ.
		return (o - mu) / mu, 1 / mu
	})
	return grad, hess, m.LogLik(tpl, obs, psi)
}

type bernoulliMatcher struct{}

// LogLik: Σ_x y·log μ + (1-y)·log(1-μ), single channel.
func (bernoulliMatcher) LogLik(tpl *Template, obs []float64, psi Field) float64 {
	var ll float64
	n := tpl.Lat.Len()
	for i := 0; i < n; i++ {
		px, py, pz := psi[3*i], psi[3*i+1], psi[3*i+2]
		mu := tpl.Sample(0, px, py, pz)
		mu = math.Min(math.Max(mu, probFloor), 1-probFloor)
		y := obs[i*tpl.Classes]
		ll += y*math.Log(mu) + (1-y)*math.Log(1-mu)
	}
	return ll
}

func (m bernoulliMatcher) GradHess(tpl *Template, obs []float64, psi Field) (Field, []float64, float64) {
	grad, hess := gradHessWeighted(tpl, obs, psi, func(y, mu float64) (float64, float64) {
		mu = math.Min(math.Max(mu, probFloor), 1-probFloor)
		w := 1 / (mu * (1 - mu))
		return (y - mu) * w, w
	})
	return grad, hess, m.LogLik(tpl, obs, psi)
}

type normalMatcher struct{}

// LogLik: -½ Σ_x (obs - μ(ψ(x)))², unit noise precision.
func (normalMatcher) LogLik(tpl *Template, obs []float64, psi Field) float64 {
	var ll float64
	n := tpl.Lat.Len()
	for i := 0; i < n; i++ {
		px, py, pz := psi[3*i], psi[3*i+1], psi[3*i+2]
		for c := 0; c < tpl.Classes; c++ {
			r := obs[i*tpl.Classes+c] - tpl.Sample(c, px, py, pz)
			ll -= 0.5 * r * r
		}
	}
	return ll
}

func (m normalMatcher) GradHess(tpl *Template, obs []float64, psi Field) (Field, []float64, float64) {
	grad, hess := gradHessWeighted(tpl, obs, psi, func(o, mu float64) (float64, float64) {
		return o - mu, 1
	})
	return grad, hess, m.LogLik(tpl, obs, psi)
}

// gradHessWeighted assembles the Gauss-Newton gradient and Hessian shared
// by the three matchers. resid returns the weighted residual r and the
// curvature weight w for one class value, so that
//
//	grad(x) += r · ∇μ_c(ψ(x))
//	hess(x) += w · ∇μ_c ∇μ_cᵀ
func gradHessWeighted(tpl *Template, obs []float64, psi Field, resid func(o, mu float64) (float64, float64)) (Field, []float64) {
	n := tpl.Lat.Len()
	grad := make(Field, 3*n)
	hess := make([]float64, 6*n)

	for i := 0; i < n; i++ {
		px, py, pz := psi[3*i], psi[3*i+1], psi[3*i+2]
		for c := 0; c < tpl.Classes; c++ {
			o := obs[i*tpl.Classes+c]
			mu := tpl.Sample(c, px, py, pz)
			g := tpl.SampleGrad(c, px, py, pz)
			r, w := resid(o, mu)

			grad[3*i+0] += r * g[0]
			grad[3*i+1] += r * g[1]
			grad[3*i+2] += r * g[2]

			hess[6*i+0] += w * g[0] * g[0]
			hess[6*i+1] += w * g[1] * g[1]
			hess[6*i+2] += w * g[2] * g[2]
			hess[6*i+3] += w * g[0] * g[1]
			hess[6*i+4] += w * g[0] * g[2]
			hess[6*i+5] += w * g[1] * g[2]
		}
		hess[6*i+0] += hessRidge
		hess[6*i+1] += hessRidge
		hess[6*i+2] += hessRidge
	}
	return grad, hess
}
