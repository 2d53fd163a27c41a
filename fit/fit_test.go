package fit

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/atlas-shape/atlas"
)

func testOptions() atlas.Options {
	return atlas.Options{
		Model:                atlas.Categorical,
		Classes:              2,
		Rank:                 2,
		Lattice:              atlas.Lattice{Nx: 4, Ny: 4, Nz: 4, Voxel: [3]float64{1, 1, 1}},
		EMIterations:         5,
		GNIterations:         1,
		LineSearchIterations: 4,
		SolverIterations:     4,
		IntegrationSteps:     1,
		SmoothingFWHM:        2,
		GainThreshold:        1e-9,
		Workers:              1,
		Seed:                 1,
	}
}

// blobSubjects builds a small categorical population: each subject is a
// soft blob whose center shifts along x, a one-mode family the fit can
// capture.
func blobSubjects(t *testing.T, f *Fitter, n int) []*atlas.Subject {
	t.Helper()
	o := f.Options()
	l := o.Lattice
	subjects := make([]*atlas.Subject, n)
	for si := 0; si < n; si++ {
		obs := make([]float64, l.Len()*2)
		cx := 1.2 + 0.4*float64(si)
		for z := 0; z < l.Nz; z++ {
			for y := 0; y < l.Ny; y++ {
				for x := 0; x < l.Nx; x++ {
					i := l.Index(x, y, z)
					dx := float64(x) - cx
					dy := float64(y) - 1.5
					dz := float64(z) - 1.5
					p := 0.9 * math.Exp(-(dx*dx+dy*dy+dz*dz)/2)
					obs[2*i] = 1 - p
					obs[2*i+1] = p
				}
			}
		}
		s, err := f.NewSubject(subjectKey(si), obs)
		if err != nil {
			t.Fatalf("NewSubject: %v", err)
		}
		subjects[si] = s
	}
	return subjects
}

func subjectKey(i int) string { return string(rune('a' + i)) }

func checkSPD(t *testing.T, s *mat.SymDense) {
	t.Helper()
	var ch mat.Cholesky
	if !ch.Factorize(s) {
		t.Fatalf("matrix is not positive definite:\n%v", mat.Formatted(s))
	}
}

func TestNewFitterDefaults(t *testing.T) {
	f, err := NewFitter(atlas.Options{})
	if err != nil {
		t.Fatalf("NewFitter: %v", err)
	}
	if f.Options().Rank != 8 {
		t.Errorf("Rank = %d, want 8", f.Options().Rank)
	}
}

func TestNewFitterInvalid(t *testing.T) {
	_, err := NewFitter(atlas.Options{Rank: -1})
	if err == nil {
		t.Fatal("NewFitter with negative rank should return error")
	}
	if !errors.Is(err, atlas.ErrInvalidOptions) {
		t.Errorf("err = %v, want ErrInvalidOptions", err)
	}
}

func TestFitterNewSubjectWrongLength(t *testing.T) {
	f, err := NewFitter(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.NewSubject("bad", []float64{1, 2, 3}); !errors.Is(err, atlas.ErrInvalidOptions) {
		t.Errorf("err = %v, want ErrInvalidOptions", err)
	}
}

func TestRunNoSubjects(t *testing.T) {
	f, err := NewFitter(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Run(context.Background(), nil); !errors.Is(err, ErrNoSubjects) {
		t.Errorf("err = %v, want ErrNoSubjects", err)
	}
}

func TestRunCanceledContext(t *testing.T) {
	f, err := NewFitter(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	subjects := blobSubjects(t, f, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Run(ctx, subjects); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunBasic(t *testing.T) {
	f, err := NewFitter(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	subjects := blobSubjects(t, f, 4)

	model, err := f.Run(context.Background(), subjects)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The first iteration has no committed spread, so the gain is zero
	// and the schedule always leaves the pose-only stage; the tiny
	// threshold keeps every later gain above it, so the loop runs to the
	// iteration cap.
	if n := model.ELBO.Len(); n != f.Options().EMIterations {
		t.Errorf("ELBO history length = %d, want %d", n, f.Options().EMIterations)
	}
	if model.FWHM >= f.Options().SmoothingFWHM {
		t.Errorf("FWHM = %g, want < %g (at least one activation)", model.FWHM, f.Options().SmoothingFWHM)
	}
	for i, v := range model.ELBO.Total {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("ELBO.Total[%d] = %g", i, v)
		}
	}

	checkSPD(t, model.AffinePrecision)
	checkSPD(t, model.LatentPrecision)
	checkSPD(t, model.SubspaceCov)
	if model.ResidualPrecision <= 0 {
		t.Errorf("ResidualPrecision = %g, want > 0", model.ResidualPrecision)
	}

	// The template stays a probability map.
	tpl := model.Template
	for i := 0; i < tpl.Lat.Len(); i++ {
		var sum float64
		for c := 0; c < tpl.Classes; c++ {
			v := tpl.Data[i*tpl.Classes+c]
			if v <= 0 || v >= 1 {
				t.Fatalf("template[%d][%d] = %g, want in (0, 1)", i, c, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Fatalf("template voxel %d class sum = %g, want 1", i, sum)
		}
	}

	for _, s := range subjects {
		for _, q := range s.Affine {
			if math.IsNaN(q) || math.IsInf(q, 0) {
				t.Fatalf("non-finite affine parameter %g", q)
			}
		}
		for k := 0; k < model.Rank(); k++ {
			if v := s.Latent.AtVec(k); math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("non-finite latent coordinate %g", v)
			}
		}
	}
}

// With an unreachable gain threshold every finite gain triggers an
// activation, so the schedule is deterministic: no advancement on the
// first iteration, then one stage per iteration until convergence, each
// halving the smoothing bandwidth.
func TestRunStageSchedule(t *testing.T) {
	o := testOptions()
	o.EMIterations = 10
	o.GainThreshold = 1e6
	f, err := NewFitter(o)
	if err != nil {
		t.Fatal(err)
	}
	subjects := blobSubjects(t, f, 3)

	model, err := f.Run(context.Background(), subjects)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := model.ELBO.Len(); n != 3 {
		t.Errorf("ELBO history length = %d, want 3", n)
	}
	if want := o.SmoothingFWHM / 8; model.FWHM != want {
		t.Errorf("FWHM = %g, want %g (three activations)", model.FWHM, want)
	}
}

// A subject whose data is all NaN fails its pose optimization every
// iteration: the back-off counter decrements once per invocation and the
// pose never moves.
func TestAffineBackoffOnFailure(t *testing.T) {
	f, err := NewFitter(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	subjects := blobSubjects(t, f, 3)

	bad := make([]float64, f.Options().Lattice.Len()*2)
	for i := range bad {
		bad[i] = math.NaN()
	}
	s, err := f.NewSubject("nan", bad)
	if err != nil {
		t.Fatal(err)
	}
	subjects = append(subjects, s)

	model := atlas.NewModel(f.Options())
	f.updateTemplate(model, subjects)
	for i := 0; i < 3; i++ {
		f.updateAffine(model, subjects)
	}

	if s.OK != atlas.BackoffInit-3 {
		t.Errorf("OK = %d, want %d", s.OK, atlas.BackoffInit-3)
	}
	if s.OK2 != atlas.BackoffInit {
		t.Errorf("OK2 = %d, want %d (pose failures must not touch the residual counter)", s.OK2, atlas.BackoffInit)
	}
	for i, q := range s.Affine {
		if q != 0 {
			t.Errorf("Affine[%d] = %g, want 0 (failed update must not move)", i, q)
		}
	}
}

// An exhausted back-off counter with penalization enabled skips the
// update entirely: the subject's parameters are bit-identical afterwards
// and the counter does not decrement further.
func TestAffineBackoffSkipIdempotent(t *testing.T) {
	o := testOptions()
	o.PenalizeFailures = true
	f, err := NewFitter(o)
	if err != nil {
		t.Fatal(err)
	}
	subjects := blobSubjects(t, f, 2)
	s := subjects[0]
	s.OK = -1

	affine := append([]float64(nil), s.Affine...)
	cov := mat.NewSymDense(s.AffineCov.SymmetricDim(), nil)
	cov.CopySym(s.AffineCov)
	residual := s.Residual.Clone()

	model := atlas.NewModel(f.Options())
	f.updateAffine(model, subjects)

	if s.OK != -1 {
		t.Errorf("OK = %d, want -1 (skip must not decrement)", s.OK)
	}
	for i := range affine {
		if s.Affine[i] != affine[i] {
			t.Fatalf("Affine[%d] changed on a skipped update", i)
		}
	}
	for i := 0; i < cov.SymmetricDim(); i++ {
		for j := i; j < cov.SymmetricDim(); j++ {
			if s.AffineCov.At(i, j) != cov.At(i, j) {
				t.Fatalf("AffineCov[%d][%d] changed on a skipped update", i, j)
			}
		}
	}
	for i := range residual {
		if s.Residual[i] != residual[i] {
			t.Fatalf("Residual[%d] changed on a skipped update", i)
		}
	}
}

// The residual precision update is conjugate: with zero residuals the
// posterior moves toward (n0+N)/(n0/λ0).
func TestResidualPrecisionUpdate(t *testing.T) {
	o := testOptions()
	f, err := NewFitter(o)
	if err != nil {
		t.Fatal(err)
	}
	subjects := blobSubjects(t, f, 4)
	model := atlas.NewModel(f.Options())
	f.updateTemplate(model, subjects)

	before := model.ResidualPrecision
	f.updateResidual(model, subjects)

	if model.ResidualPrecisionPrev != before {
		t.Errorf("ResidualPrecisionPrev = %g, want %g", model.ResidualPrecisionPrev, before)
	}
	if model.ResidualPrecision <= 0 || math.IsInf(model.ResidualPrecision, 0) {
		t.Errorf("ResidualPrecision = %g", model.ResidualPrecision)
	}
}

func TestRunCheckpointAndResume(t *testing.T) {
	o := testOptions()
	o.EMIterations = 2
	o.CheckpointPath = filepath.Join(t.TempDir(), "fit.ckpt")
	f, err := NewFitter(o)
	if err != nil {
		t.Fatal(err)
	}
	subjects := blobSubjects(t, f, 3)
	if _, err := f.Run(context.Background(), subjects); err != nil {
		t.Fatalf("Run: %v", err)
	}

	model, resumed, err := Resume(context.Background(), o.CheckpointPath, f.Options().Storage)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(resumed) != 3 {
		t.Errorf("resumed %d subjects, want 3", len(resumed))
	}
	if model.Rank() != o.Rank {
		t.Errorf("resumed rank = %d, want %d", model.Rank(), o.Rank)
	}
	if model.ELBO.Len() < 1 {
		t.Error("resumed model has no bound history")
	}
}

func TestResumeRankExceeded(t *testing.T) {
	o := testOptions().WithDefaults()
	model := atlas.NewModel(o)
	s := atlas.NewSubject("a", o)
	path := filepath.Join(t.TempDir(), "fit.ckpt")

	o.Rank = 50 // more modes than the checkpointed subspace carries
	c := &atlas.Checkpoint{Options: o, Stage: atlas.StagePG, Iter: 1, Model: model, Subjects: []*atlas.Subject{s}}
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, _, err := Resume(context.Background(), path, nil)
	if err == nil {
		t.Fatal("Resume with excess rank should return error")
	}
	if !errors.Is(err, atlas.ErrRankExceeded) {
		t.Errorf("err = %v, want ErrRankExceeded", err)
	}
}

// The template update pushes the observations through identity
// deformations, so the estimate tracks the population mean.
func TestUpdateTemplate(t *testing.T) {
	f, err := NewFitter(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	subjects := blobSubjects(t, f, 4)
	model := atlas.NewModel(f.Options())

	f.updateTemplate(model, subjects)
	tpl := model.Template
	for i := 0; i < tpl.Lat.Len(); i++ {
		var sum float64
		for c := 0; c < tpl.Classes; c++ {
			v := tpl.Data[i*tpl.Classes+c]
			if v <= 0 || v >= 1 {
				t.Fatalf("template[%d][%d] = %g, want in (0, 1)", i, c, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Fatalf("voxel %d class sum = %g, want 1", i, sum)
		}
	}
	// The blob region should carry more class-1 mass than the far corner.
	l := tpl.Lat
	blob := tpl.Data[l.Index(2, 2, 2)*2+1]
	corner := tpl.Data[l.Index(3, 3, 3)*2+1]
	if blob <= corner {
		t.Errorf("blob probability %g <= corner probability %g", blob, corner)
	}
}

// At identity deformations the categorical template update is the exact
// maximizer of the matching term, so the bound cannot decrease against
// the uniform initial estimate.
func TestUpdateTemplateImprovesMatch(t *testing.T) {
	f, err := NewFitter(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	o := f.Options()
	subjects := blobSubjects(t, f, 4)
	model := atlas.NewModel(o)

	var before float64
	for _, s := range subjects {
		obs, err := o.Storage.Load(s.Image)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		psi := model.Deformation(s, o.Basis, o.IntegrationSteps)
		before += f.matcher.LogLik(model.Template, obs, psi)
	}

	f.updateTemplate(model, subjects)

	var after float64
	for _, s := range subjects {
		after += s.LB.Match
	}
	if after <= before {
		t.Errorf("matching term %g after update, want > %g", after, before)
	}
}
