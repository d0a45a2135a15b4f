// Command refine sharpens a coarse semantic segmentation with dense CRF
// post-processing. It takes an input image and the upstream classifier's
// class probability map (a C×H×W NumPy array) and writes a colorized label
// image, optionally blended over the input.
package main

import (
	"encoding/json"
	"image"

	// registered image decoders
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"github.com/urfave/cli/v2"

	"github.com/viamrobotics/densecrf"
)

func main() {
	logger := golog.NewDevelopmentLogger("refine")
	app := &cli.App{
		Name:  "refine",
		Usage: "sharpen a coarse segmentation probability map with a fully connected CRF",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "image", Usage: "input image (png or jpeg)", Required: true},
			&cli.StringFlag{Name: "probs", Usage: "class probability map, C×H×W .npy file", Required: true},
			&cli.StringFlag{Name: "out", Usage: "output image path", Value: "labels.png"},
			&cli.StringFlag{Name: "attributes", Usage: "JSON file with CRF parameters, overrides the parameter flags"},
			&cli.BoolFlag{Name: "overlay", Usage: "blend the colorized labels over the input image"},
			&cli.Float64Flag{Name: "opacity", Usage: "overlay opacity", Value: 0.5},
			&cli.IntFlag{Name: "iter-max", Usage: "mean-field iterations", Value: 10},
			&cli.Float64Flag{Name: "pos-xy-std", Usage: "smoothness kernel spatial bandwidth", Value: 1},
			&cli.Float64Flag{Name: "pos-w", Usage: "smoothness kernel weight", Value: 3},
			&cli.Float64Flag{Name: "bi-xy-std", Usage: "appearance kernel spatial bandwidth", Value: 67},
			&cli.Float64Flag{Name: "bi-rgb-std", Usage: "appearance kernel color bandwidth", Value: 3},
			&cli.Float64Flag{Name: "bi-w", Usage: "appearance kernel weight", Value: 4},
		},
		Action: func(c *cli.Context) error {
			return runRefine(c, logger)
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func runRefine(c *cli.Context, logger golog.Logger) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}

	probs, err := loadProbabilities(c.String("probs"))
	if err != nil {
		return errors.Wrap(err, "cannot load probability map")
	}

	img, err := loadImage(c.String("image"))
	if err != nil {
		return errors.Wrap(err, "cannot load image")
	}
	bounds := img.Bounds()
	if bounds.Dx() != probs.Width || bounds.Dy() != probs.Height {
		logger.Infow("resizing image to match probability map",
			"image", bounds.Size(), "probs", image.Pt(probs.Width, probs.Height))
		img = imaging.Resize(img, probs.Width, probs.Height, imaging.Lanczos)
	}

	refiner, err := densecrf.NewRefiner(conf, logger)
	if err != nil {
		return err
	}
	labels, err := refiner.Refine(img, probs)
	if err != nil {
		return errors.Wrap(err, "refinement failed")
	}

	colorized, err := densecrf.ColorizeLabels(labels, densecrf.LabelColors(probs.Classes))
	if err != nil {
		return err
	}
	var out image.Image = colorized
	if c.Bool("overlay") {
		out = imaging.Overlay(img, colorized, image.Pt(0, 0), c.Float64("opacity"))
	}
	if err := imaging.Save(out, c.String("out")); err != nil {
		return errors.Wrap(err, "cannot save output image")
	}
	logger.Infow("wrote refined labels", "path", c.String("out"), "classes", probs.Classes)
	return nil
}

func loadConfig(c *cli.Context) (densecrf.Config, error) {
	conf := densecrf.Config{
		IterMax:  c.Int("iter-max"),
		PosXYStd: c.Float64("pos-xy-std"),
		PosW:     c.Float64("pos-w"),
		BiXYStd:  c.Float64("bi-xy-std"),
		BiRGBStd: c.Float64("bi-rgb-std"),
		BiW:      c.Float64("bi-w"),
	}
	if path := c.String("attributes"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return conf, errors.Wrap(err, "cannot read attributes file")
		}
		var am map[string]interface{}
		if err := json.Unmarshal(raw, &am); err != nil {
			return conf, errors.Wrap(err, "cannot parse attributes file")
		}
		if err := conf.ConvertAttributes(am); err != nil {
			return conf, err
		}
	}
	return conf, conf.CheckValid()
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// loadProbabilities reads a class-major C×H×W float array saved with
// numpy.save, the layout the upstream classifier emits.
func loadProbabilities(path string) (*densecrf.ProbabilityMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, err
	}
	shape := r.Header.Descr.Shape
	if len(shape) != 3 {
		return nil, errors.Errorf("expected a C×H×W array, got shape %v", shape)
	}
	if r.Header.Descr.Fortran {
		return nil, errors.New("fortran-ordered arrays are not supported")
	}

	pm := densecrf.NewProbabilityMap(shape[0], shape[1], shape[2])
	switch ty := r.Header.Descr.Type; {
	case strings.HasSuffix(ty, "f8"):
		var data []float64
		if err := r.Read(&data); err != nil {
			return nil, err
		}
		pm.Data = data
	case strings.HasSuffix(ty, "f4"):
		var data []float32
		if err := r.Read(&data); err != nil {
			return nil, err
		}
		pm.Data = make([]float64, len(data))
		for i, v := range data {
			pm.Data[i] = float64(v)
		}
	default:
		return nil, errors.Errorf("unsupported dtype %q, expected float32 or float64", ty)
	}
	if len(pm.Data) != shape[0]*shape[1]*shape[2] {
		return nil, errors.Errorf("array holds %d values, expected %d", len(pm.Data), shape[0]*shape[1]*shape[2])
	}
	return pm, nil
}
