package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the CLI configuration. Values come from defaults, then .env and
// DENSECRF_* environment variables, then flags.
type Config struct {
	ImagePath string
	UnaryPath string

	Palette       int
	PaletteMethod string
	Temperature   float64

	Iterations int
	Relaxation float64
	Tolerance  float64
	ColorSpace string
	SelfTerm   string

	SpatialSigma      float64
	SpatialWeight     float64
	BilateralSigmaXY  float64
	BilateralSigmaRGB float64
	BilateralWeight   float64
	TermsPath         string

	OutPath   string
	QPath     string
	Codec     string
	LayersDir string

	Workers int
	Debug   bool
}

func defaultConfig() *Config {
	return &Config{
		Palette:           6,
		PaletteMethod:     "dominantcolor",
		Temperature:       10,
		Relaxation:        0.5,
		ColorSpace:        "rgb",
		SelfTerm:          "exclude",
		SpatialSigma:      3,
		SpatialWeight:     3,
		BilateralSigmaXY:  60,
		BilateralSigmaRGB: 10,
		BilateralWeight:   5,
		OutPath:           "labels.png",
		Codec:             "zstd",
	}
}

// Load builds the configuration from the environment and args.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()
	if err := cfg.fromEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("densecrf", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.ImagePath, "image", cfg.ImagePath, "input image (png, jpeg, gif, bmp, tiff, webp)")
	fs.StringVar(&cfg.UnaryPath, "unary", cfg.UnaryPath, "unary or probability tensor (.dcrf); palette unary when empty")
	fs.IntVar(&cfg.Palette, "palette", cfg.Palette, "palette size for the palette unary")
	fs.StringVar(&cfg.PaletteMethod, "palette-method", cfg.PaletteMethod, "dominantcolor or kmeans")
	fs.Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "palette unary temperature (Lab units)")
	fs.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "mean-field iterations (0 = from image size)")
	fs.Float64Var(&cfg.Relaxation, "relaxation", cfg.Relaxation, "damping step in (0,1]")
	fs.Float64Var(&cfg.Tolerance, "tolerance", cfg.Tolerance, "early stop threshold (0 disables)")
	fs.StringVar(&cfg.ColorSpace, "color-space", cfg.ColorSpace, "rgb or lab")
	fs.StringVar(&cfg.SelfTerm, "self-term", cfg.SelfTerm, "exclude or include")
	fs.Float64Var(&cfg.SpatialSigma, "sxy", cfg.SpatialSigma, "spatial kernel sigma (pixels)")
	fs.Float64Var(&cfg.SpatialWeight, "wsmooth", cfg.SpatialWeight, "spatial kernel weight")
	fs.Float64Var(&cfg.BilateralSigmaXY, "bxy", cfg.BilateralSigmaXY, "bilateral kernel spatial sigma (pixels)")
	fs.Float64Var(&cfg.BilateralSigmaRGB, "brgb", cfg.BilateralSigmaRGB, "bilateral kernel colour sigma")
	fs.Float64Var(&cfg.BilateralWeight, "wbilateral", cfg.BilateralWeight, "bilateral kernel weight")
	fs.StringVar(&cfg.TermsPath, "terms", cfg.TermsPath, "JSON file with pairwise terms (overrides -sxy ... -wbilateral)")
	fs.StringVar(&cfg.OutPath, "out", cfg.OutPath, "output label PNG")
	fs.StringVar(&cfg.QPath, "q", cfg.QPath, "optional output distribution tensor (.dcrf)")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "tensor codec: none, lz4 or zstd")
	fs.StringVar(&cfg.LayersDir, "layers", cfg.LayersDir, "optional directory for per-label probability PNGs")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker goroutines (0 = GOMAXPROCS)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return nil, &usageError{err: err, usage: usage(fs)}
	}

	if cfg.ImagePath == "" {
		return nil, &usageError{err: errors.New("missing -image"), usage: usage(fs)}
	}
	if cfg.UnaryPath == "" && cfg.Palette < 1 {
		return nil, &usageError{err: errors.New("need -unary or -palette >= 1"), usage: usage(fs)}
	}
	return cfg, nil
}

// usageError is a command-line error that carries the flag summary.
type usageError struct {
	err   error
	usage string
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

func usage(fs *flag.FlagSet) string {
	var b strings.Builder
	fs.SetOutput(&b)
	defer fs.SetOutput(io.Discard)
	fmt.Fprintln(&b, "usage: densecrf -image in.png [-unary scores.dcrf | -palette N] [flags]")
	fs.PrintDefaults()
	return b.String()
}

// reportLoadError prints a Load error and returns the process exit code:
// 0 for -h, 1 otherwise.
func reportLoadError(err error, stdout, stderr io.Writer) int {
	var ue *usageError
	isUsage := errors.As(err, &ue)
	if isUsage && errors.Is(err, flag.ErrHelp) {
		fmt.Fprint(stdout, ue.usage)
		return 0
	}
	fmt.Fprintln(stderr, "densecrf:", err)
	if isUsage {
		fmt.Fprint(stderr, ue.usage)
	}
	return 1
}

func (c *Config) fromEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DENSECRF_IMAGE":          &c.ImagePath,
		"DENSECRF_UNARY":          &c.UnaryPath,
		"DENSECRF_PALETTE_METHOD": &c.PaletteMethod,
		"DENSECRF_COLOR_SPACE":    &c.ColorSpace,
		"DENSECRF_SELF_TERM":      &c.SelfTerm,
		"DENSECRF_TERMS":          &c.TermsPath,
		"DENSECRF_OUT":            &c.OutPath,
		"DENSECRF_Q":              &c.QPath,
		"DENSECRF_CODEC":          &c.Codec,
		"DENSECRF_LAYERS":         &c.LayersDir,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DENSECRF_PALETTE":    &c.Palette,
		"DENSECRF_ITERATIONS": &c.Iterations,
		"DENSECRF_WORKERS":    &c.Workers,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	floats := map[string]*float64{
		"DENSECRF_TEMPERATURE": &c.Temperature,
		"DENSECRF_RELAXATION":  &c.Relaxation,
		"DENSECRF_TOLERANCE":   &c.Tolerance,
		"DENSECRF_SXY":         &c.SpatialSigma,
		"DENSECRF_WSMOOTH":     &c.SpatialWeight,
		"DENSECRF_BXY":         &c.BilateralSigmaXY,
		"DENSECRF_BRGB":        &c.BilateralSigmaRGB,
		"DENSECRF_WBILATERAL":  &c.BilateralWeight,
	}
	for key, dst := range floats {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
	}

	if v, ok := lookup("DENSECRF_DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DENSECRF_DEBUG: %w", err)
		}
		c.Debug = b
	}
	return nil
}
