// Package raster is the in-process raster algebra used to evaluate the
// masking and compositing expressions.
//
// Images are north-up grids in EPSG:4326. Every band is a dense []float64 in
// row-major order and a masked pixel is NaN; all operations propagate the
// mask, so a masked input pixel yields a masked output pixel unless the
// operation documents otherwise (FocalMax ignores masked neighbours, Median
// ignores masked observations).
package raster
