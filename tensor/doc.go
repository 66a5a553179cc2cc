// Package tensor reads and writes dense W×H×K float32 tensors: the unary
// scores handed to the CRF and the label distributions it produces.
//
// # File format
//
// All integers are little-endian. The 32-byte header is followed by the
// payload:
//
//	offset  size  field
//	0       4     magic "DCRF"
//	4       2     version (1)
//	6       1     codec (0 none, 1 lz4, 2 zstd)
//	7       1     kind (1 unary energies, 2 probabilities)
//	8       4     W
//	12      4     H
//	16      4     K
//	20      8     payload length in bytes
//	28      4     CRC32-Castagnoli of the uncompressed payload
//
// The uncompressed payload is W*H*K float32 values, pixel-major
// (index (y*W+x)*K+l). Writers fall back to codec none when compression does
// not shrink the payload.
package tensor
