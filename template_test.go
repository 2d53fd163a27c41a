package atlas

import (
	"math"
	"testing"
)

func TestNewTemplateUniform(t *testing.T) {
	l := Lattice{Nx: 3, Ny: 3, Nz: 3, Voxel: [3]float64{1, 1, 1}}
	tpl := NewTemplate(l, 4)
	for i, v := range tpl.Data {
		if math.Abs(v-0.25) > 1e-15 {
			t.Fatalf("Data[%d] = %g, want 0.25", i, v)
		}
	}
}

// Smoothing with a normalized kernel preserves the per-voxel class sum.
func TestSmoothPreservesNormalization(t *testing.T) {
	l := Lattice{Nx: 5, Ny: 5, Nz: 5, Voxel: [3]float64{1, 1, 1}}
	tpl := NewTemplate(l, 3)
	// A peaked, properly normalized template.
	for i := 0; i < l.Len(); i++ {
		tpl.Data[3*i] = 0.7
		tpl.Data[3*i+1] = 0.2
		tpl.Data[3*i+2] = 0.1
	}
	center := l.Index(2, 2, 2)
	tpl.Data[3*center], tpl.Data[3*center+1], tpl.Data[3*center+2] = 0.05, 0.05, 0.9

	tpl.Smooth(4)
	for i := 0; i < l.Len(); i++ {
		var sum float64
		for c := 0; c < 3; c++ {
			sum += tpl.Data[3*i+c]
		}
		if math.Abs(sum-1) > 1e-10 {
			t.Fatalf("voxel %d class sum = %g, want 1", i, sum)
		}
	}
	// The peak should have spread.
	if tpl.Data[3*center+2] >= 0.9 {
		t.Errorf("peak unchanged after smoothing: %g", tpl.Data[3*center+2])
	}
}

func TestSmoothTinyFWHMNoop(t *testing.T) {
	l := Lattice{Nx: 3, Ny: 3, Nz: 3, Voxel: [3]float64{1, 1, 1}}
	tpl := NewTemplate(l, 1)
	for i := range tpl.Data {
		tpl.Data[i] = float64(i)
	}
	before := append([]float64(nil), tpl.Data...)
	tpl.Smooth(0.05)
	for i := range tpl.Data {
		if tpl.Data[i] != before[i] {
			t.Fatalf("Data[%d] changed under sub-threshold FWHM", i)
		}
	}
}

// The gradient of a linear ramp is the ramp slope away from the boundary.
func TestComputeGradRamp(t *testing.T) {
	l := Lattice{Nx: 5, Ny: 4, Nz: 4, Voxel: [3]float64{1, 1, 1}}
	tpl := NewTemplate(l, 1)
	for z := 0; z < l.Nz; z++ {
		for y := 0; y < l.Ny; y++ {
			for x := 0; x < l.Nx; x++ {
				tpl.Data[l.Index(x, y, z)] = 2 * float64(x)
			}
		}
	}
	tpl.ComputeGrad()
	i := l.Index(2, 1, 1)
	if got := tpl.Grad[3*i]; math.Abs(got-2) > 1e-12 {
		t.Errorf("d/dx = %g, want 2", got)
	}
	if got := tpl.Grad[3*i+1]; math.Abs(got) > 1e-12 {
		t.Errorf("d/dy = %g, want 0", got)
	}
	if got := tpl.Grad[3*i+2]; math.Abs(got) > 1e-12 {
		t.Errorf("d/dz = %g, want 0", got)
	}
}
