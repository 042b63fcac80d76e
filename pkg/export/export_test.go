package export

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"qboldnet/internal/models"
)

// TestWriteMapsRoundTrip verifies exported volumes read back bit-exact at
// float32 precision, with a sidecar per channel.
func TestWriteMapsRoundTrip(t *testing.T) {
	e, err := NewExporter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p := models.NewParameterMap(2, 3, 2, []string{"oef", "dbv"})
	for i := range p.Data {
		p.Data[i] = 0.01 * float64(i)
	}
	if err := e.WriteMaps(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	for _, name := range p.Names {
		vol, sc, err := ReadVolume(filepath.Join(e.Dir(), name+".yaml"))
		if err != nil {
			t.Fatal(err)
		}
		if sc.Width != 2 || sc.Height != 3 || sc.Depth != 2 {
			t.Fatalf("%s: sidecar extents %dx%dx%d, want 2x3x2", name, sc.Width, sc.Height, sc.Depth)
		}
		if sc.RunID != e.RunID() {
			t.Errorf("%s: sidecar run ID %q, want %q", name, sc.RunID, e.RunID())
		}
		want, err := p.Channel(name)
		if err != nil {
			t.Fatal(err)
		}
		for i := range want {
			if math.Abs(vol[i]-want[i]) > 1e-6 {
				t.Fatalf("%s voxel %d: got %g, want %g", name, i, vol[i], want[i])
			}
		}
	}
}

// TestSignalVolumeRoundTrip verifies 4D export and re-import.
func TestSignalVolumeRoundTrip(t *testing.T) {
	e, err := NewExporter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sv := models.NewSignalVolume(2, 2, 1, 3)
	for i := range sv.Data {
		sv.Data[i] = 100 + float64(i)
	}
	if err := e.WriteSignalVolume("ase", sv); err != nil {
		t.Fatal(err)
	}

	got, err := ReadSignalVolume(filepath.Join(e.Dir(), "ase.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Echoes != 3 || got.Width != 2 {
		t.Fatalf("reloaded extents %dx%dx%d echoes %d", got.Width, got.Height, got.Depth, got.Echoes)
	}
	for i := range sv.Data {
		if math.Abs(got.Data[i]-sv.Data[i]) > 1e-4 {
			t.Fatalf("voxel %d: got %g, want %g", i, got.Data[i], sv.Data[i])
		}
	}

	// A 4D volume must not load as a mask.
	if _, err := ReadMask(filepath.Join(e.Dir(), "ase.yaml")); err == nil {
		t.Error("expected an error loading a signal volume as a mask")
	}
}

// TestReadMask verifies positive voxels become ones.
func TestReadMask(t *testing.T) {
	e, err := NewExporter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := models.NewParameterMap(2, 1, 2, []string{"brain"})
	p.Data = []float64{0, 0.5, 2, -1}
	if err := e.WriteMaps(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	m, err := ReadMask(filepath.Join(e.Dir(), "brain.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 1, 1, 0}
	for i, w := range want {
		if m.Data[i] != w {
			t.Errorf("voxel %d: mask %g, want %g", i, m.Data[i], w)
		}
	}
}

// TestSaveSlices verifies PNG previews are written alongside the volumes.
func TestSaveSlices(t *testing.T) {
	e, err := NewExporter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e.SaveSlices = true

	p := models.NewParameterMap(3, 3, 2, []string{"oef"})
	for i := range p.Data {
		p.Data[i] = float64(i)
	}
	if err := e.WriteMaps(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	for z := 0; z < 2; z++ {
		f := filepath.Join(e.Dir(), "oef_slices", fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(f); err != nil {
			t.Errorf("missing slice preview %s: %v", f, err)
		}
	}
}

// TestUniqueRunDirs verifies two exporters never share a directory.
func TestUniqueRunDirs(t *testing.T) {
	root := t.TempDir()
	a, err := NewExporter(root)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewExporter(root)
	if err != nil {
		t.Fatal(err)
	}
	if a.Dir() == b.Dir() {
		t.Errorf("run directories collide: %s", a.Dir())
	}
}

// TestWarpCommand verifies the external resampling hook runs per volume.
func TestWarpCommand(t *testing.T) {
	e, err := NewExporter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(e.Dir(), "warp_ran")
	e.WarpCommand = "touch " + marker

	p := models.NewParameterMap(1, 1, 1, []string{"oef"})
	if err := e.WriteMaps(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("warp command did not run: %v", err)
	}
}
