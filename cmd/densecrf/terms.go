package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/setanarut/densecrf"
	"gonum.org/v1/gonum/mat"
)

// termsFile is the JSON layout of -terms:
//
//	{
//	  "terms": [
//	    {"kind": "spatial", "sxy": 3, "weight": 3},
//	    {"kind": "bilateral", "sxy": 60, "srgb": 10, "weight": 5, "normalization": "symmetric"}
//	  ],
//	  "compatibility": [[-1, 0], [0, -1]]
//	}
type termsFile struct {
	Terms         []termSpec  `json:"terms"`
	Compatibility [][]float64 `json:"compatibility,omitempty"`
}

type termSpec struct {
	Kind          string  `json:"kind"`
	SXY           float64 `json:"sxy"`
	SRGB          float64 `json:"srgb,omitempty"`
	Weight        float64 `json:"weight"`
	Normalization string  `json:"normalization,omitempty"`
}

func (s termSpec) term() (densecrf.PairwiseTerm, error) {
	var t densecrf.PairwiseTerm
	switch s.Kind {
	case "spatial", "gaussian":
		t = densecrf.SpatialTerm(s.SXY, s.Weight)
	case "bilateral":
		t = densecrf.BilateralTerm(s.SXY, s.SRGB, s.Weight)
	default:
		return t, fmt.Errorf("unknown kernel kind %q", s.Kind)
	}
	switch s.Normalization {
	case "", "after":
		t.Normalization = densecrf.NormalizeAfter
	case "symmetric":
		t.Normalization = densecrf.NormalizeSymmetric
	case "none":
		t.Normalization = densecrf.NoNormalization
	default:
		return t, fmt.Errorf("unknown normalization %q", s.Normalization)
	}
	return t, nil
}

func parseTerms(data []byte) ([]densecrf.PairwiseTerm, *densecrf.Compatibility, error) {
	var f termsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, err
	}
	terms := make([]densecrf.PairwiseTerm, 0, len(f.Terms))
	for i, s := range f.Terms {
		t, err := s.term()
		if err != nil {
			return nil, nil, fmt.Errorf("terms[%d]: %w", i, err)
		}
		terms = append(terms, t)
	}
	if len(f.Compatibility) == 0 {
		return terms, nil, nil
	}
	k := len(f.Compatibility)
	m := mat.NewDense(k, k, nil)
	for i, row := range f.Compatibility {
		if len(row) != k {
			return nil, nil, fmt.Errorf("compatibility row %d has %d entries, want %d", i, len(row), k)
		}
		m.SetRow(i, row)
	}
	return terms, densecrf.MatrixCompatibility(m), nil
}

func loadTerms(path string) ([]densecrf.PairwiseTerm, *densecrf.Compatibility, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	terms, compat, err := parseTerms(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return terms, compat, nil
}

// pairwise returns the terms from -terms, or from the individual kernel flags.
func (c *Config) pairwise() ([]densecrf.PairwiseTerm, *densecrf.Compatibility, error) {
	if c.TermsPath != "" {
		return loadTerms(c.TermsPath)
	}
	return []densecrf.PairwiseTerm{
		densecrf.SpatialTerm(c.SpatialSigma, c.SpatialWeight),
		densecrf.BilateralTerm(c.BilateralSigmaXY, c.BilateralSigmaRGB, c.BilateralWeight),
	}, nil, nil
}
