// Package atlas implements a hierarchical generative shape model fitted to
// a population of images by variational expectation-maximization.
//
// The model combines a shared template, a low-rank subspace of principal
// geodesic deformation modes, per-subject affine motion, per-subject latent
// coordinates, and a per-subject residual velocity field. All parameter
// blocks are estimated jointly by maximizing an evidence lower bound; the
// fitting loop lives in the atlas/fit subpackage.
//
// Basic usage:
//
//	subjects := []*atlas.Subject{...}
//	f, err := fit.NewFitter(atlas.Options{Rank: 4, Classes: 2})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	model, err := f.Run(context.Background(), subjects)
package atlas
