// Package densecrf refines per-pixel class scores with a fully connected
// conditional random field.
//
// Given an image and a tensor of unary energies (typically the negative log
// probabilities produced by a CNN), the Solver runs mean-field inference over a
// pairwise model whose Gaussian affinities couple every pixel with every other
// pixel. The all-pairs message passing is evaluated with permutohedral lattice
// filtering (package lattice) in O(N·d) per iteration.
//
// Basic usage:
//
//	unary, _ := densecrf.UnaryFromProbabilities(w, h, k, prob, 1e-6)
//	model, _ := densecrf.NewPotentialModel(unary, []densecrf.PairwiseTerm{
//		densecrf.SpatialTerm(3, 3),
//		densecrf.BilateralTerm(60, 10, 5),
//	}, nil)
//	res, err := densecrf.NewSolver().Infer(ctx, img, model, densecrf.DefaultConfig())
//
// The solver keeps no state between calls and is safe for concurrent use.
package densecrf
