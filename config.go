package densecrf

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Config bundles the mean-field iteration budget with the pairwise kernel
// parameters. All fields are required; there are no implicit defaults. A
// kernel weight of zero disables that kernel entirely.
type Config struct {
	// IterMax is the fixed number of mean-field iterations to run. Zero is
	// legal and returns the unary-only softmax without any refinement.
	IterMax int `json:"iter_max"`
	// PosXYStd is the spatial bandwidth of the smoothness kernel, in pixels.
	PosXYStd float64 `json:"pos_xy_std"`
	// PosW is the weight of the smoothness kernel.
	PosW float64 `json:"pos_w"`
	// BiXYStd is the spatial bandwidth of the appearance kernel, in pixels.
	BiXYStd float64 `json:"bi_xy_std"`
	// BiRGBStd is the color bandwidth of the appearance kernel, in intensity
	// levels (0-255).
	BiRGBStd float64 `json:"bi_rgb_std"`
	// BiW is the weight of the appearance kernel.
	BiW float64 `json:"bi_w"`
}

// CheckValid checks that all the config parameters are well formed.
func (conf *Config) CheckValid() error {
	var err error
	if conf.IterMax < 0 {
		err = multierr.Append(err, errors.Errorf("iter_max cannot be negative, got %d", conf.IterMax))
	}
	bandwidths := []struct {
		name  string
		value float64
	}{
		{"pos_xy_std", conf.PosXYStd},
		{"bi_xy_std", conf.BiXYStd},
		{"bi_rgb_std", conf.BiRGBStd},
	}
	for _, bw := range bandwidths {
		if bw.value <= 0 {
			err = multierr.Append(err, errors.Errorf("%s must be greater than 0, got %v", bw.name, bw.value))
		}
	}
	weights := []struct {
		name  string
		value float64
	}{
		{"pos_w", conf.PosW},
		{"bi_w", conf.BiW},
	}
	for _, w := range weights {
		if w.value < 0 {
			err = multierr.Append(err, errors.Errorf("%s cannot be negative, got %v", w.name, w.value))
		}
	}
	return err
}

// ConvertAttributes changes a generic attribute map into a Config and
// validates it.
func (conf *Config) ConvertAttributes(am map[string]interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: conf})
	if err != nil {
		return err
	}
	if err := decoder.Decode(am); err != nil {
		return errors.Wrap(err, "cannot decode CRF attributes")
	}
	return conf.CheckValid()
}

// kernelSpecs expands the config into the two pairwise kernel descriptions.
func (conf *Config) kernelSpecs() []KernelSpec {
	return []KernelSpec{
		{Kind: KernelSpatial, Weight: conf.PosW, XYStd: conf.PosXYStd},
		{Kind: KernelBilateral, Weight: conf.BiW, XYStd: conf.BiXYStd, RGBStd: conf.BiRGBStd},
	}
}
