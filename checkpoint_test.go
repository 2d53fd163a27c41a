package atlas

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testOptions() Options {
	return Options{
		Rank:    2,
		Classes: 2,
		Lattice: Lattice{Nx: 3, Ny: 3, Nz: 3, Voxel: [3]float64{1, 1, 1}},
	}.WithDefaults()
}

func TestCheckpointRoundTrip(t *testing.T) {
	o := testOptions()
	m := NewModel(o)
	m.ResidualPrecision = 2.5
	m.FWHM = 4
	m.ELBO.Set(CompMatch, -100)
	m.ELBO.Checkpoint()
	m.ELBO.Commit()

	s := NewSubject("img0", o)
	s.Affine[0] = 0.25
	s.Latent.SetVec(1, -0.5)
	s.OK = 2
	s.LB.Match = -40

	path := filepath.Join(t.TempDir(), "fit.ckpt")
	c := &Checkpoint{Options: o, Stage: StagePG, Iter: 7, Model: m, Subjects: []*Subject{s}}
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if got.Stage != StagePG || got.Iter != 7 {
		t.Errorf("stage/iter = %v/%d, want PG/7", got.Stage, got.Iter)
	}
	if got.Model.ResidualPrecision != 2.5 {
		t.Errorf("ResidualPrecision = %g, want 2.5", got.Model.ResidualPrecision)
	}
	if got.Model.FWHM != 4 {
		t.Errorf("FWHM = %g, want 4", got.Model.FWHM)
	}
	if got.Model.ELBO.Len() != 1 || got.Model.ELBO.Total[0] != -100 {
		t.Errorf("ELBO history not preserved: %+v", got.Model.ELBO.Total)
	}
	if got.Model.LatentPrecision.SymmetricDim() != o.Rank {
		t.Errorf("LatentPrecision dim = %d, want %d", got.Model.LatentPrecision.SymmetricDim(), o.Rank)
	}

	gs := got.Subjects[0]
	if gs.Image != "img0" || gs.Affine[0] != 0.25 || gs.Latent.AtVec(1) != -0.5 {
		t.Errorf("subject state not preserved: %+v", gs)
	}
	if gs.OK != 2 || gs.OK2 != BackoffInit {
		t.Errorf("counters = %d/%d, want 2/%d", gs.OK, gs.OK2, BackoffInit)
	}
	if gs.LB.Match != -40 {
		t.Errorf("LB.Match = %g, want -40", gs.LB.Match)
	}

	// The storage and matcher are intentionally not persisted.
	if got.Options.Storage != nil || got.Options.Matcher != nil {
		t.Error("interfaces leaked into the checkpoint")
	}
}

func TestLoadCheckpointMissing(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.ckpt")); err == nil {
		t.Error("LoadCheckpoint on missing file should return error")
	}
}

func TestLoadCheckpointCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	if err := os.WriteFile(path, []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadCheckpoint(path)
	if err == nil {
		t.Fatal("LoadCheckpoint on garbage should return error")
	}
	if !errors.Is(err, ErrCheckpoint) {
		t.Errorf("err = %v, want ErrCheckpoint", err)
	}
}
