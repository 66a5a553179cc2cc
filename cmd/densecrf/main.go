// Command densecrf refines a per-pixel labeling of an image with dense CRF
// mean-field inference.
//
// The unary comes from a tensor file written by a classifier (-unary) or,
// without one, from colour distances to a palette extracted from the image.
package main

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/setanarut/densecrf"
	"github.com/setanarut/densecrf/tensor"
	"github.com/setanarut/densecrf/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		os.Exit(reportLoadError(err, os.Stdout, os.Stderr))
	}

	logger := initLogger(cfg.Debug)
	logger.WithFields(logrus.Fields{
		"image": cfg.ImagePath,
		"unary": cfg.UnaryPath,
		"out":   cfg.OutPath,
	}).Info("Starting dense CRF inference")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Inference failed")
		stop()
		os.Exit(1)
	}
}

// initLogger initializes the logger with appropriate level
func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}

func run(ctx context.Context, cfg *Config, logger *logrus.Logger) error {
	img, err := utils.ReadImage(cfg.ImagePath)
	if err != nil {
		return err
	}

	unary, palette, err := buildUnary(img, cfg, logger)
	if err != nil {
		return err
	}

	terms, compat, err := cfg.pairwise()
	if err != nil {
		return err
	}
	model, err := densecrf.NewPotentialModel(unary, terms, compat)
	if err != nil {
		return err
	}

	inferCfg, err := cfg.inferConfig(img.Bounds().Size())
	if err != nil {
		return err
	}

	logOpt := densecrf.WithLogger(densecrf.NewJSONLogger(slog.LevelWarn))
	if cfg.Debug {
		logOpt = densecrf.WithLogLevel(slog.LevelDebug)
	}
	metrics := &densecrf.BasicMetricsCollector{}
	solver := densecrf.NewSolver(
		densecrf.WithWorkers(cfg.Workers),
		logOpt,
		densecrf.WithMetricsCollector(metrics),
	)

	start := time.Now()
	res, err := solver.Infer(ctx, img, model, inferCfg)
	if err != nil {
		return err
	}

	prior := densecrf.MAP(priorDistribution(unary))
	changed, err := densecrf.ChangedPixels(prior, res.Labeling)
	if err != nil {
		return err
	}
	stats := metrics.GetStats()
	logger.WithFields(logrus.Fields{
		"iterations": res.Iterations,
		"converged":  res.Converged,
		"changed":    changed.GetCardinality(),
		"lattices":   stats.LatticeCount,
		"elapsed":    time.Since(start).Round(time.Millisecond).String(),
	}).Info("Inference finished")

	if err := utils.SaveImage(utils.LabelImage(res.Labeling, palette), cfg.OutPath); err != nil {
		return err
	}
	if cfg.QPath != "" {
		if err := writeDistribution(cfg.QPath, res.Q, cfg.Codec); err != nil {
			return err
		}
		logger.WithField("path", cfg.QPath).Debug("Wrote distribution tensor")
	}
	if cfg.LayersDir != "" {
		if err := utils.SaveGrayImages(utils.ProbabilityLayers(res.Q), cfg.LayersDir, "label"); err != nil {
			return err
		}
	}
	return nil
}

// buildUnary loads the unary tensor or falls back to a palette unary. The
// returned palette colours the output label map.
func buildUnary(img image.Image, cfg *Config, logger *logrus.Logger) (densecrf.UnaryScores, []colorful.Color, error) {
	if cfg.UnaryPath == "" {
		method, err := utils.ParsePaletteMethod(cfg.PaletteMethod)
		if err != nil {
			return densecrf.UnaryScores{}, nil, err
		}
		palette, err := utils.ExtractPalette(img, cfg.Palette, method)
		if err != nil {
			return densecrf.UnaryScores{}, nil, err
		}
		utils.SortPaletteByBrightness(palette)
		logger.WithFields(logrus.Fields{
			"labels": len(palette),
			"method": method.String(),
		}).Debug("Extracted palette")
		unary, err := utils.PaletteUnary(img, palette, cfg.Temperature)
		return unary, palette, err
	}

	t, err := tensor.ReadFile(cfg.UnaryPath)
	if err != nil {
		return densecrf.UnaryScores{}, nil, err
	}
	size := img.Bounds().Size()
	if t.W != size.X || t.H != size.Y {
		return densecrf.UnaryScores{}, nil, &densecrf.ShapeError{
			What:     fmt.Sprintf("unary tensor %dx%d pixels", t.W, t.H),
			Expected: size.X * size.Y,
			Actual:   t.W * t.H,
		}
	}
	var unary densecrf.UnaryScores
	switch t.Kind {
	case tensor.KindProbability:
		unary, err = densecrf.UnaryFromProbabilities(t.W, t.H, t.K, t.Data, 1e-8)
	default:
		unary, err = densecrf.NewUnaryScores(t.W, t.H, t.K, t.Data)
	}
	return unary, utils.LabelPalette(t.K), err
}

func (c *Config) inferConfig(size image.Point) (densecrf.Config, error) {
	cfg := densecrf.ConfigFromSize(size)
	if c.Iterations > 0 {
		cfg.Iterations = c.Iterations
	}
	cfg.Relaxation = c.Relaxation
	cfg.Tolerance = c.Tolerance

	switch strings.ToLower(c.ColorSpace) {
	case "rgb", "":
		cfg.ColorSpace = densecrf.ColorSpaceRGB
	case "lab":
		cfg.ColorSpace = densecrf.ColorSpaceLab
	default:
		return cfg, fmt.Errorf("unknown colour space %q", c.ColorSpace)
	}
	switch strings.ToLower(c.SelfTerm) {
	case "exclude", "":
		cfg.SelfTerm = densecrf.SelfTermExclude
	case "include":
		cfg.SelfTerm = densecrf.SelfTermInclude
	default:
		return cfg, fmt.Errorf("unknown self term mode %q", c.SelfTerm)
	}
	return cfg, nil
}

// priorDistribution is the softmax-free stand-in used to find the unary-only
// labeling: lower energy maps to higher score.
func priorDistribution(u densecrf.UnaryScores) densecrf.Distribution {
	q := densecrf.Distribution{W: u.W, H: u.H, K: u.K, Prob: make([]float32, len(u.Energy))}
	for i, e := range u.Energy {
		q.Prob[i] = -e
	}
	return q
}

func writeDistribution(path string, q densecrf.Distribution, codecName string) error {
	codec, err := tensor.ParseCodec(codecName)
	if err != nil {
		return err
	}
	t := &tensor.Tensor{W: q.W, H: q.H, K: q.K, Kind: tensor.KindProbability, Data: q.Prob}
	if err := tensor.WriteFile(path, t, codec); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
