package fit

import (
	"math"

	"github.com/atlas-shape/atlas"
)

// countFloor regularizes the pushed-forward class counts so voxels no
// subject maps onto keep a proper distribution.
const countFloor = 1e-3

// updateTemplate re-estimates the template from the subjects: each
// subject's data is pushed back onto the template lattice through its
// deformation (the adjoint of sampling), the accumulated counts are
// normalized per the noise model, and the result is smoothed at the
// current bandwidth before the gradients are rebuilt.
func (f *Fitter) updateTemplate(model *atlas.Model, subjects []*atlas.Subject) {
	o := f.opts
	lat := o.Lattice
	classes := o.Classes
	n := len(subjects)
	vox := lat.Len()
	tpl := model.Template

	// Deformations and observations gathered in parallel; the splat
	// reduction below is serial because all subjects write the same
	// accumulators.
	psis := make([]atlas.Field, n)
	obss := make([][]float64, n)
	forEach(n, o.Workers, o.BatchSize, func(i int) {
		obs, err := o.Storage.Load(subjects[i].Image)
		if err != nil {
			return
		}
		obss[i] = obs
		psis[i] = model.Deformation(subjects[i], o.Basis, o.IntegrationSteps)
	})

	num := make([]float64, vox*classes)
	wsum := make([]float64, vox)
	for i := range subjects {
		if obss[i] == nil {
			continue
		}
		psi, obs := psis[i], obss[i]
		for v := 0; v < vox; v++ {
			px, py, pz := psi[3*v], psi[3*v+1], psi[3*v+2]
			if !finite(px) || !finite(py) || !finite(pz) {
				continue
			}
			for c := 0; c < classes; c++ {
				atlas.Splat(num, lat, classes, c, px, py, pz, obs[v*classes+c])
			}
			atlas.Splat(wsum, lat, 1, 0, px, py, pz, 1)
		}
	}

	switch o.Model {
	case atlas.Categorical:
		for v := 0; v < vox; v++ {
			var total float64
			for c := 0; c < classes; c++ {
				total += math.Max(num[v*classes+c], 0)
			}
			total += float64(classes) * countFloor
			for c := 0; c < classes; c++ {
				tpl.Data[v*classes+c] = (math.Max(num[v*classes+c], 0) + countFloor) / total
			}
		}
	case atlas.Bernoulli:
		for v := 0; v < vox; v++ {
			p := (math.Max(num[v], 0) + countFloor) / (math.Max(wsum[v], 0) + 2*countFloor)
			tpl.Data[v] = math.Min(math.Max(p, countFloor), 1-countFloor)
		}
	case atlas.Normal:
		for v := 0; v < vox; v++ {
			if wsum[v] <= countFloor {
				continue // keep the previous mean where nothing lands
			}
			for c := 0; c < classes; c++ {
				if m := num[v*classes+c] / wsum[v]; finite(m) {
					tpl.Data[v*classes+c] = m
				}
			}
		}
	}

	tpl.Smooth(model.FWHM)
	tpl.ComputeGrad()

	// The matching terms move with the template; refresh them so the
	// bound checkpoint after this block reflects the new estimate.
	forEach(n, o.Workers, o.BatchSize, func(i int) {
		if obss[i] == nil {
			return
		}
		if ll := f.matcher.LogLik(tpl, obss[i], psis[i]); finite(ll) {
			subjects[i].LB.Match = ll
		}
	})
	var match float64
	for _, s := range subjects {
		match += s.LB.Match
	}
	model.ELBO.Set(atlas.CompMatch, match)
}
