package atlas

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Checkpoint is the fit state persisted at the end of every completed EM
// iteration: the full model, all subject records, the resolved options and
// the activation stage. It is the sole durability mechanism; a crash
// between checkpoints loses at most one iteration.
type Checkpoint struct {
	Options  Options
	Stage    Stage
	Iter     int
	Model    *Model
	Subjects []*Subject
}

// Disk mirrors: gonum matrices are flattened to plain slices for gob.

type symDisk struct {
	N    int
	Data []float64 // row-major n×n
}

func symToDisk(s *mat.SymDense) symDisk {
	if s == nil {
		return symDisk{}
	}
	n := s.SymmetricDim()
	d := symDisk{N: n, Data: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d.Data[i*n+j] = s.At(i, j)
		}
	}
	return d
}

func (d symDisk) toSym() *mat.SymDense {
	if d.N == 0 {
		return nil
	}
	s := mat.NewSymDense(d.N, nil)
	for i := 0; i < d.N; i++ {
		for j := i; j < d.N; j++ {
			s.SetSym(i, j, d.Data[i*d.N+j])
		}
	}
	return s
}

type modelDisk struct {
	Template    Template
	Subspace    []Field
	SubspaceCov symDisk
	Az, Aq      symDisk
	Lambda      float64
	LambdaPrev  float64
	RegWeights  [2]float64
	ZZ, SZ      symDisk
	QQ, SQ      symDisk
	ELBO        ELBO
	FWHM        float64
}

type subjectDisk struct {
	Image     string
	Affine    []float64
	AffineCov symDisk
	Latent    []float64
	LatentCov symDisk
	Residual  Field
	OK, OK2   int
	LB        BoundTerms
}

type checkpointDisk struct {
	Options  Options
	Stage    Stage
	Iter     int
	Model    modelDisk
	Subjects []subjectDisk
}

// Save writes the checkpoint as a gzip-compressed gob file. The storage
// and matcher interfaces are not persisted; callers re-inject them on
// resume.
func (c *Checkpoint) Save(path string) error {
	o := c.Options
	o.Storage = nil
	o.Matcher = nil

	md := modelDisk{
		Template:    *c.Model.Template,
		Subspace:    c.Model.Subspace,
		SubspaceCov: symToDisk(c.Model.SubspaceCov),
		Az:          symToDisk(c.Model.LatentPrecision),
		Aq:          symToDisk(c.Model.AffinePrecision),
		Lambda:      c.Model.ResidualPrecision,
		LambdaPrev:  c.Model.ResidualPrecisionPrev,
		RegWeights:  c.Model.RegWeights,
		ZZ:          symToDisk(c.Model.ZZ),
		SZ:          symToDisk(c.Model.SZ),
		QQ:          symToDisk(c.Model.QQ),
		SQ:          symToDisk(c.Model.SQ),
		ELBO:        *c.Model.ELBO,
		FWHM:        c.Model.FWHM,
	}

	subs := make([]subjectDisk, len(c.Subjects))
	for i, s := range c.Subjects {
		subs[i] = subjectDisk{
			Image:     s.Image,
			Affine:    s.Affine,
			AffineCov: symToDisk(s.AffineCov),
			Latent:    s.Latent.RawVector().Data,
			LatentCov: symToDisk(s.LatentCov),
			Residual:  s.Residual,
			OK:        s.OK,
			OK2:       s.OK2,
			LB:        s.LB,
		}
	}

	fid, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("atlas: write checkpoint: %w", err)
	}
	gid := gzip.NewWriter(fid)

	enc := gob.NewEncoder(gid)
	if err := enc.Encode(checkpointDisk{
		Options:  o,
		Stage:    c.Stage,
		Iter:     c.Iter,
		Model:    md,
		Subjects: subs,
	}); err != nil {
		fid.Close()
		return fmt.Errorf("atlas: encode checkpoint: %w", err)
	}
	if err := gid.Close(); err != nil {
		fid.Close()
		return fmt.Errorf("atlas: write checkpoint: %w", err)
	}
	return fid.Close()
}

// LoadCheckpoint reads a checkpoint written by Save. The returned options
// carry no storage or matcher; the caller re-injects them before
// resuming.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	fid, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("atlas: open checkpoint: %w", err)
	}
	defer fid.Close()

	gid, err := gzip.NewReader(fid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	defer gid.Close()

	var d checkpointDisk
	if err := gob.NewDecoder(gid).Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	if !d.Stage.IsValid() || len(d.Model.Subspace) == 0 {
		return nil, fmt.Errorf("%w: inconsistent state", ErrCheckpoint)
	}

	tpl := d.Model.Template
	elbo := d.Model.ELBO
	if elbo.Pending == nil {
		elbo.Pending = make(map[string]float64)
	}
	if elbo.Parts == nil {
		elbo.Parts = make(map[string][]float64)
	}
	m := &Model{
		Template:              &tpl,
		Subspace:              d.Model.Subspace,
		SubspaceCov:           d.Model.SubspaceCov.toSym(),
		LatentPrecision:       d.Model.Az.toSym(),
		AffinePrecision:       d.Model.Aq.toSym(),
		ResidualPrecision:     d.Model.Lambda,
		ResidualPrecisionPrev: d.Model.LambdaPrev,
		RegWeights:            d.Model.RegWeights,
		ZZ:                    d.Model.ZZ.toSym(),
		SZ:                    d.Model.SZ.toSym(),
		QQ:                    d.Model.QQ.toSym(),
		SQ:                    d.Model.SQ.toSym(),
		ELBO:                  &elbo,
		FWHM:                  d.Model.FWHM,
	}

	subs := make([]*Subject, len(d.Subjects))
	for i, sd := range d.Subjects {
		subs[i] = &Subject{
			Image:     sd.Image,
			Affine:    sd.Affine,
			AffineCov: sd.AffineCov.toSym(),
			Latent:    mat.NewVecDense(len(sd.Latent), sd.Latent),
			LatentCov: sd.LatentCov.toSym(),
			Residual:  sd.Residual,
			OK:        sd.OK,
			OK2:       sd.OK2,
			LB:        sd.LB,
		}
	}

	return &Checkpoint{
		Options:  d.Options,
		Stage:    d.Stage,
		Iter:     d.Iter,
		Model:    m,
		Subjects: subs,
	}, nil
}
