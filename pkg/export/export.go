// Package export writes estimated parameter maps to disk: raw little-endian
// float32 volumes with a YAML sidecar describing their geometry, plus
// optional per-slice PNG previews. Each export run gets its own uniquely
// named directory so repeated runs never clobber each other.
package export

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"qboldnet/internal/models"
)

// Sidecar describes an exported raw volume.
type Sidecar struct {
	// Name is the physiological quantity, e.g. "oef".
	Name string `yaml:"name"`

	// Width, Height and Depth are the voxel extents.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	Depth  int `yaml:"depth"`

	// Echoes is the per-voxel echo count of a 4D signal volume; zero for
	// plain 3D maps.
	Echoes int `yaml:"echoes,omitempty"`

	// DataFile is the raw volume filename relative to the sidecar.
	DataFile string `yaml:"dataFile"`

	// DType documents the on-disk element type.
	DType string `yaml:"dtype"`

	// RunID ties the volume to its export run.
	RunID string `yaml:"runId"`
}

// Exporter writes maps beneath a root directory.
type Exporter struct {
	root  string
	runID string

	// SaveSlices renders per-slice PNG previews of each exported map.
	SaveSlices bool

	// WarpCommand, when non-empty, is run once per exported volume with
	// the raw file path appended, resampling the map into a reference
	// space. The command is split on whitespace.
	WarpCommand string
}

// NewExporter creates the run directory under root and returns an exporter
// bound to it.
func NewExporter(root string) (*Exporter, error) {
	runID := uuid.NewString()
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("export: creating run directory: %w", err)
	}
	return &Exporter{root: root, runID: runID}, nil
}

// Dir returns the run directory.
func (e *Exporter) Dir() string { return filepath.Join(e.root, e.runID) }

// RunID returns the unique identifier of this export run.
func (e *Exporter) RunID() string { return e.runID }

// WriteMaps exports every channel of the parameter map concurrently, one
// raw volume plus sidecar per channel. The context cancels in-flight warp
// commands.
func (e *Exporter) WriteMaps(ctx context.Context, p *models.ParameterMap) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range p.Names {
		name := name
		g.Go(func() error {
			vol, err := p.Channel(name)
			if err != nil {
				return err
			}
			return e.writeVolume(ctx, name, vol, p.Width, p.Height, p.Depth)
		})
	}
	return g.Wait()
}

func (e *Exporter) writeVolume(ctx context.Context, name string, vol []float64, w, h, d int) error {
	rawName := name + ".raw"
	rawPath := filepath.Join(e.Dir(), rawName)

	buf := make([]byte, 4*len(vol))
	for i, v := range vol {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	if err := os.WriteFile(rawPath, buf, 0644); err != nil {
		return fmt.Errorf("export: writing %s: %w", rawName, err)
	}

	sc := Sidecar{
		Name:     name,
		Width:    w,
		Height:   h,
		Depth:    d,
		DataFile: rawName,
		DType:    "float32le",
		RunID:    e.runID,
	}
	scData, err := yaml.Marshal(&sc)
	if err != nil {
		return fmt.Errorf("export: marshaling sidecar for %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(e.Dir(), name+".yaml"), scData, 0644); err != nil {
		return fmt.Errorf("export: writing sidecar for %s: %w", name, err)
	}

	if e.SaveSlices {
		if err := SaveSliceSequence(vol, w, h, d, filepath.Join(e.Dir(), name+"_slices")); err != nil {
			return err
		}
	}

	if e.WarpCommand != "" {
		if err := e.warp(ctx, rawPath); err != nil {
			return err
		}
	}
	return nil
}

// warp runs the configured external resampling command on one raw volume.
func (e *Exporter) warp(ctx context.Context, rawPath string) error {
	fields := strings.Fields(e.WarpCommand)
	if len(fields) == 0 {
		return nil
	}
	args := append(fields[1:], rawPath)
	cmd := exec.CommandContext(ctx, fields[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("export: warp command failed on %s: %w (output: %s)", rawPath, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ReadVolume loads a raw volume back through its sidecar, the inverse of
// writeVolume. Signal volumes with an echo dimension load with
// width*height*depth*echoes elements, echoes fastest.
func ReadVolume(sidecarPath string) ([]float64, Sidecar, error) {
	var sc Sidecar
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return nil, sc, fmt.Errorf("export: reading sidecar: %w", err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, sc, fmt.Errorf("export: parsing sidecar: %w", err)
	}
	raw, err := os.ReadFile(filepath.Join(filepath.Dir(sidecarPath), sc.DataFile))
	if err != nil {
		return nil, sc, fmt.Errorf("export: reading volume: %w", err)
	}
	n := sc.Width * sc.Height * sc.Depth
	if sc.Echoes > 0 {
		n *= sc.Echoes
	}
	if len(raw) != 4*n {
		return nil, sc, fmt.Errorf("export: volume %s has %d bytes, want %d", sc.DataFile, len(raw), 4*n)
	}
	vol := make([]float64, n)
	for i := range vol {
		vol[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
	}
	return vol, sc, nil
}

// ReadSignalVolume loads a 4D multi-echo acquisition through its sidecar.
func ReadSignalVolume(sidecarPath string) (*models.SignalVolume, error) {
	vol, sc, err := ReadVolume(sidecarPath)
	if err != nil {
		return nil, err
	}
	if sc.Echoes < 1 {
		return nil, fmt.Errorf("export: %s is not a signal volume (no echo dimension)", sidecarPath)
	}
	sv := models.NewSignalVolume(sc.Width, sc.Height, sc.Depth, sc.Echoes)
	copy(sv.Data, vol)
	return sv, nil
}

// ReadMask loads a 3D mask volume, treating any positive voxel as valid.
func ReadMask(sidecarPath string) (*models.Mask, error) {
	vol, sc, err := ReadVolume(sidecarPath)
	if err != nil {
		return nil, err
	}
	if sc.Echoes > 0 {
		return nil, fmt.Errorf("export: %s has an echo dimension, masks are 3D", sidecarPath)
	}
	m := models.NewMask(sc.Width, sc.Height, sc.Depth)
	for i, v := range vol {
		if v > 0 {
			m.Data[i] = 1
		}
	}
	return m, nil
}

// WriteSignalVolume exports a 4D acquisition, mostly useful for producing
// demo inputs from synthetic data.
func (e *Exporter) WriteSignalVolume(name string, sv *models.SignalVolume) error {
	rawName := name + ".raw"
	buf := make([]byte, 4*len(sv.Data))
	for i, v := range sv.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	if err := os.WriteFile(filepath.Join(e.Dir(), rawName), buf, 0644); err != nil {
		return fmt.Errorf("export: writing %s: %w", rawName, err)
	}
	sc := Sidecar{
		Name:     name,
		Width:    sv.Width,
		Height:   sv.Height,
		Depth:    sv.Depth,
		Echoes:   sv.Echoes,
		DataFile: rawName,
		DType:    "float32le",
		RunID:    e.runID,
	}
	data, err := yaml.Marshal(&sc)
	if err != nil {
		return fmt.Errorf("export: marshaling sidecar for %s: %w", name, err)
	}
	return os.WriteFile(filepath.Join(e.Dir(), name+".yaml"), data, 0644)
}
