// Package fit implements the variational EM loop that estimates an atlas
// shape model from a population of subjects.
//
// A Fitter drives block-coordinate updates of five parameter blocks
// (affine motion, principal-geodesic subspace, latent coordinates,
// residual velocity, template), activated progressively by an explicit
// state machine gated on the evidence lower bound. Per-subject work is
// fanned out over a bounded worker pool; shared model state is read-only
// during fan-out and mutated only in single-threaded reductions.
package fit
