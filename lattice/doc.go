// Package lattice implements high-dimensional Gaussian filtering on the
// permutohedral lattice.
//
// A Lattice is built once per feature embedding and then reused for any number
// of Filter calls. Filtering approximates
//
//	dst[i] = Σ_j exp(-½‖f_i − f_j‖²) · src[j]
//
// over all pixel pairs in O(N·d) time by splatting values onto the vertices of
// the simplex enclosing each elevated feature, blurring along each of the d+1
// lattice axes and slicing back with the same barycentric weights.
//
// All phases write disjoint memory per worker, so results do not depend on the
// number of workers.
package lattice
