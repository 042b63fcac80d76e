package export

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
)

// ExtractSlice renders one axial (XY) slice of a volume as a 16-bit
// grayscale image. The volume is stored x-major ([x, y, z] with z fastest)
// and is scaled by the volume-wide range so slices of one map share a
// consistent intensity mapping.
func ExtractSlice(vol []float64, width, height, depth, z int) (image.Image, error) {
	if len(vol) != width*height*depth {
		return nil, fmt.Errorf("export: volume has %d voxels, want %d", len(vol), width*height*depth)
	}
	if z < 0 || z >= depth {
		return nil, fmt.Errorf("export: slice %d out of range for depth %d", z, depth)
	}

	lo, hi := volRange(vol)
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}

	img := image.NewGray16(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			v := vol[(x*height+y)*depth+z]
			img.SetGray16(x, y, color.Gray16{Y: uint16((v - lo) * scale)})
		}
	}
	return img, nil
}

func volRange(vol []float64) (lo, hi float64) {
	lo, hi = vol[0], vol[0]
	for _, v := range vol {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// SaveSliceSequence renders every axial slice of a volume into outputDir as
// PNG files.
func SaveSliceSequence(vol []float64, width, height, depth int, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for z := 0; z < depth; z++ {
		img, err := ExtractSlice(vol, width, height, depth, z)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z))
		f, err := os.Create(filename)
		if err != nil {
			return err
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
