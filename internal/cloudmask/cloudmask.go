// Package cloudmask turns raw Sentinel-2 and Landsat Collection-2 scenes into
// masked surface reflectance images.
//
// Sentinel-2 pixels are discarded where the s2cloudless probability, grown by
// a circular buffer, marks cloud, or where a dark near-infrared pixel falls
// inside that grown cloud. The shadow test is undirected: it does not project
// cloud shadows along the sun azimuth. Landsat pixels are discarded where any
// of the dilated-cloud, cloud, cloud-shadow or snow bits of QA_PIXEL is set.
package cloudmask

import (
	"fmt"

	"github.com/banshee-data/composite.report/internal/config"
	"github.com/banshee-data/composite.report/internal/raster"
)

// Sentinel-2 band names.
const (
	ProbabilityBand = "probability"
	NIRBand         = "B8"
)

// S2Bands are the reflectance bands kept after masking.
var S2Bands = []string{"B2", "B3", "B4", "B8", "B11", "B12"}

// Landsat band names.
var (
	LandsatSRBands = []string{"SR_B2", "SR_B3", "SR_B4", "SR_B5", "SR_B6", "SR_B7"}
	LandsatBands   = []string{"B2", "B3", "B4", "B5", "B6", "B7"}
)

// LandsatQABand is the Collection-2 pixel quality band.
const LandsatQABand = "QA_PIXEL"

// QA_PIXEL bits that disqualify a pixel.
const (
	QADilatedCloud = 1 << 1
	QACloud        = 1 << 3
	QACloudShadow  = 1 << 4
	QASnow         = 1 << 5

	QAReject = QADilatedCloud | QACloud | QACloudShadow | QASnow
)

// Reflectance scaling.
const (
	S2ScaleDivisor = 10000.0
	LandsatGain    = 0.0000275
	LandsatOffset  = -0.2
)

// S2Params holds the Sentinel-2 mask thresholds.
type S2Params struct {
	CloudProbabilityThreshold float64 // percent, 0-100
	DarkNIRThreshold          float64 // reflectance, 0-1
	Buffer                    float64
	BufferUnits               string // config.BufferUnitsMeters or config.BufferUnitsPixels
}

// DefaultS2Params returns the thresholds used by the default configuration.
func DefaultS2Params() S2Params {
	return S2ParamsFromConfig(config.DefaultCompositeConfig())
}

// S2ParamsFromConfig reads the mask thresholds from cfg.
func S2ParamsFromConfig(cfg *config.CompositeConfig) S2Params {
	return S2Params{
		CloudProbabilityThreshold: cfg.GetCloudProbabilityThreshold(),
		DarkNIRThreshold:          cfg.GetDarkNIRThreshold(),
		Buffer:                    cfg.GetBufferMeters(),
		BufferUnits:               cfg.GetBufferUnits(),
	}
}

// radiusPixels converts the buffer to pixels of g.
func (p S2Params) radiusPixels(g raster.Grid) float64 {
	if p.BufferUnits == config.BufferUnitsPixels {
		return p.Buffer
	}
	return g.RadiusPixels(p.Buffer)
}

// CloudFlag reports whether a cloud probability marks the pixel as cloud.
func CloudFlag(probability, threshold float64) bool {
	return probability > threshold
}

// DarkFlag reports whether a raw B8 digital number is dark enough to be a
// shadow candidate.
func DarkFlag(nirDN, threshold float64) bool {
	return S2Reflectance(nirDN) < threshold
}

// ShadowApprox is the undirected shadow test applied after dilation.
func ShadowApprox(darkDilated, cloudDilated bool) bool {
	return darkDilated && cloudDilated
}

// S2Keep reports whether a Sentinel-2 pixel survives the mask.
func S2Keep(cloudDilated, shadow bool) bool {
	return !(cloudDilated || shadow)
}

// S2Reflectance converts a Sentinel-2 L2A digital number to reflectance.
func S2Reflectance(dn float64) float64 {
	return dn / S2ScaleDivisor
}

// LandsatKeep reports whether a QA_PIXEL value leaves the pixel usable.
func LandsatKeep(qa uint16) bool {
	return qa&QAReject == 0
}

// LandsatReflectance converts a Collection-2 Level-2 digital number to
// surface reflectance.
func LandsatReflectance(dn float64) float64 {
	return dn*LandsatGain + LandsatOffset
}

// S2Layers are the intermediate rasters of the Sentinel-2 mask, exposed for
// inspection.
type S2Layers struct {
	Cloud        raster.Band
	Dark         raster.Band
	CloudDilated raster.Band
	DarkDilated  raster.Band
	Shadow       raster.Band
	Keep         raster.Band
}

// S2MaskLayers evaluates the mask expressions of a Sentinel-2 scene. A
// probability image on a different grid is resampled onto the scene grid.
func S2MaskLayers(scene, probability *raster.Image, p S2Params) (S2Layers, error) {
	var l S2Layers
	if !probability.SameGrid(scene) {
		probability = probability.Resample(scene.Grid)
	}
	prob, err := probability.Band(ProbabilityBand)
	if err != nil {
		return l, fmt.Errorf("cloud probability for %s: %w", scene.ID(), err)
	}
	nir, err := scene.Band(NIRBand)
	if err != nil {
		return l, fmt.Errorf("scene %s: %w", scene.ID(), err)
	}

	l.Cloud = prob.Gt(p.CloudProbabilityThreshold)
	l.Dark = nir.Divide(S2ScaleDivisor).Lt(p.DarkNIRThreshold)

	r := p.radiusPixels(scene.Grid)
	if l.CloudDilated, err = raster.FocalMax(l.Cloud, scene.Grid, r); err != nil {
		return l, err
	}
	if l.DarkDilated, err = raster.FocalMax(l.Dark, scene.Grid, r); err != nil {
		return l, err
	}
	if l.Shadow, err = raster.And(l.DarkDilated, l.CloudDilated); err != nil {
		return l, err
	}
	discard, err := raster.Or(l.CloudDilated, l.Shadow)
	if err != nil {
		return l, err
	}
	l.Keep = discard.Not()
	return l, nil
}

// MaskS2 applies the cloud and shadow mask to a Sentinel-2 scene, keeps
// S2Bands and converts them to reflectance. Scene properties are carried
// over unchanged.
func MaskS2(scene, probability *raster.Image, p S2Params) (*raster.Image, error) {
	l, err := S2MaskLayers(scene, probability, p)
	if err != nil {
		return nil, err
	}
	masked, err := scene.UpdateMask(l.Keep)
	if err != nil {
		return nil, err
	}
	selected, err := masked.Select(S2Bands...)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", scene.ID(), err)
	}
	return selected.Divide(S2ScaleDivisor).CopyProperties(scene), nil
}

// LandsatKeepBand returns 1 where QA_PIXEL has none of the reject bits set.
func LandsatKeepBand(qa raster.Band) raster.Band {
	return qa.BitwiseAnd(QAReject).Eq(0)
}

// MaskLandsat rescales the surface reflectance bands of a Landsat scene,
// renames them B2..B7 and masks pixels flagged by QA_PIXEL. Scene properties
// are carried over unchanged.
func MaskLandsat(scene *raster.Image) (*raster.Image, error) {
	qa, err := scene.Band(LandsatQABand)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", scene.ID(), err)
	}
	selected, err := scene.Select(LandsatSRBands...)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", scene.ID(), err)
	}
	renamed, err := selected.MultiplyAdd(LandsatGain, LandsatOffset).Rename(LandsatBands...)
	if err != nil {
		return nil, err
	}
	masked, err := renamed.UpdateMask(LandsatKeepBand(qa))
	if err != nil {
		return nil, err
	}
	return masked.CopyProperties(scene), nil
}
