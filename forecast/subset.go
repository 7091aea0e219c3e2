package forecast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultSubsetCommand cuts a GRIB into one NetCDF file per (variable, level).
var DefaultSubsetCommand = []string{"grib-subset"}

// BBox is a latitude/longitude window in degrees, longitudes in [-180, 180].
type BBox struct {
	LatMin float64 `yaml:"lat_min"`
	LatMax float64 `yaml:"lat_max"`
	LonMin float64 `yaml:"lon_min"`
	LonMax float64 `yaml:"lon_max"`
}

// CONUS covers the contiguous United States.
var CONUS = BBox{LatMin: 15, LatMax: 50, LonMin: -130, LonMax: -66}

func (b BBox) Validate() error {
	switch {
	case b.LatMin >= b.LatMax:
		return fmt.Errorf("bbox: lat_min %v must be below lat_max %v", b.LatMin, b.LatMax)
	case b.LonMin >= b.LonMax:
		return fmt.Errorf("bbox: lon_min %v must be below lon_max %v", b.LonMin, b.LonMax)
	case b.LatMin < -90 || b.LatMax > 90:
		return errors.New("bbox: latitude out of range")
	case b.LonMin < -180 || b.LonMax > 180:
		return errors.New("bbox: longitude out of range")
	}
	return nil
}

// Subsetter turns a stable GRIB into a zip of regional NetCDF extracts.
type Subsetter struct {
	Command []string
	BBox    BBox
	Logger  *slog.Logger
}

// ExtractsDir is the scratch directory for a GRIB's extracts: the GRIB path without
// its extension.
func ExtractsDir(gribPath string) string {
	return strings.TrimSuffix(gribPath, filepath.Ext(gribPath))
}

// BundlePath is where the zip for a GRIB is written.
func BundlePath(gribPath string) string {
	return ExtractsDir(gribPath) + BundleExt
}

func (s *Subsetter) Args(gribPath, outDir string) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		"--input", gribPath,
		"--output-dir", outDir,
		"--lat-min", f(s.BBox.LatMin),
		"--lat-max", f(s.BBox.LatMax),
		"--lon-min", f(s.BBox.LonMin),
		"--lon-max", f(s.BBox.LonMax),
	}
}

// Process subsets gribPath, zips every extract into BundlePath(gribPath) and removes
// the extracts directory. The GRIB itself is left in place. All failures wrap
// ErrPostProcess.
func (s *Subsetter) Process(ctx context.Context, gribPath string) (string, error) {
	if len(s.Command) == 0 {
		return "", fmt.Errorf("%w: subset command is empty", ErrPostProcess)
	}
	logger := s.logger()
	outDir := ExtractsDir(gribPath)
	if err := os.MkdirAll(outDir, fs.ModePerm); err != nil {
		return "", fmt.Errorf("%w: mkdir extracts dir: %w", ErrPostProcess, err)
	}
	defer func() {
		if err := os.RemoveAll(outDir); err != nil {
			logger.Warn("remove extracts dir", "stage", "cleanup", "dir", outDir, "error", err)
			return
		}
		logger.Info("deleted extracts", "stage", "cleanup", "dir", outDir)
	}()

	args := append(append([]string{}, s.Command[1:]...), s.Args(gribPath, outDir)...)
	cmd := exec.CommandContext(ctx, s.Command[0], args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	logger.Info("subsetting", "stage", "process", "file", gribPath, "bbox", s.BBox)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: subset %s: %w: output: %s", ErrPostProcess, gribPath, err, tail(output.Bytes()))
	}

	extracts, err := filepath.Glob(filepath.Join(outDir, "*.nc"))
	if err != nil {
		return "", fmt.Errorf("%w: list extracts: %w", ErrPostProcess, err)
	}
	if len(extracts) == 0 {
		return "", fmt.Errorf("%w: subset of %s produced no extracts", ErrPostProcess, gribPath)
	}
	sort.Strings(extracts)

	bundle := BundlePath(gribPath)
	if err := Bundle(bundle, extracts); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPostProcess, err)
	}
	logger.Info("created zip archive", "stage", "process", "file", bundle, "extracts", len(extracts))
	return bundle, nil
}

func (s *Subsetter) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
