package graph

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// minParallelVoxels is the output size above which the convolution forward
// pass is split across CPU cores.
const minParallelVoxels = 32768

// Conv3D applies a 3D convolution with "same" zero padding to a volume of
// shape [batch, x, y, z, inC]. The weight tensor has shape
// [kx, ky, kz, inC, outC] with odd kernel extents; bias has shape [outC].
// A 1x1x1 kernel is a pointwise (channel-mixing) projection.
func (g *Graph) Conv3D(x, w, bias *Tensor) *Tensor {
	if len(x.Shape) != 5 {
		panic("graph: Conv3D requires a [batch, x, y, z, channels] input")
	}
	if len(w.Shape) != 5 {
		panic("graph: Conv3D requires a [kx, ky, kz, inC, outC] weight tensor")
	}
	kx, ky, kz := w.Shape[0], w.Shape[1], w.Shape[2]
	inC, outC := w.Shape[3], w.Shape[4]
	if kx%2 == 0 || ky%2 == 0 || kz%2 == 0 {
		panic(fmt.Sprintf("graph: Conv3D kernel extents must be odd, got %dx%dx%d", kx, ky, kz))
	}
	if x.Shape[4] != inC {
		panic(fmt.Sprintf("graph: Conv3D input has %d channels, weights expect %d", x.Shape[4], inC))
	}
	if bias.Size() != outC {
		panic("graph: Conv3D bias size must equal the output channel count")
	}

	b, nx, ny, nz := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := NewTensor(b, nx, ny, nz, outC)
	px, py, pz := kx/2, ky/2, kz/2

	forwardVoxel := func(bi, i, j, k int) {
		outBase := (((bi*nx+i)*ny+j)*nz + k) * outC
		for oc := 0; oc < outC; oc++ {
			acc := bias.Data[oc]
			for dx := 0; dx < kx; dx++ {
				xi := i + dx - px
				if xi < 0 || xi >= nx {
					continue
				}
				for dy := 0; dy < ky; dy++ {
					yj := j + dy - py
					if yj < 0 || yj >= ny {
						continue
					}
					for dz := 0; dz < kz; dz++ {
						zk := k + dz - pz
						if zk < 0 || zk >= nz {
							continue
						}
						inBase := (((bi*nx+xi)*ny+yj)*nz + zk) * inC
						wBase := (((dx*ky+dy)*kz+dz)*inC)*outC + oc
						for ic := 0; ic < inC; ic++ {
							acc += x.Data[inBase+ic] * w.Data[wBase+ic*outC]
						}
					}
				}
			}
			out.Data[outBase+oc] = acc
		}
	}

	// Forward pass, split across batch*x slabs when large enough.
	if out.Size() >= minParallelVoxels {
		var wg sync.WaitGroup
		workers := runtime.NumCPU()
		slab := (b*nx + workers - 1) / workers
		for wkr := 0; wkr < workers; wkr++ {
			start := wkr * slab
			end := start + slab
			if end > b*nx {
				end = b * nx
			}
			if start >= end {
				break
			}
			wg.Add(1)
			go func(start, end int) {
				defer wg.Done()
				for s := start; s < end; s++ {
					bi, i := s/nx, s%nx
					for j := 0; j < ny; j++ {
						for k := 0; k < nz; k++ {
							forwardVoxel(bi, i, j, k)
						}
					}
				}
			}(start, end)
		}
		wg.Wait()
	} else {
		for bi := 0; bi < b; bi++ {
			for i := 0; i < nx; i++ {
				for j := 0; j < ny; j++ {
					for k := 0; k < nz; k++ {
						forwardVoxel(bi, i, j, k)
					}
				}
			}
		}
	}

	g.addBackward(func() {
		for bi := 0; bi < b; bi++ {
			for i := 0; i < nx; i++ {
				for j := 0; j < ny; j++ {
					for k := 0; k < nz; k++ {
						outBase := (((bi*nx+i)*ny+j)*nz + k) * outC
						for oc := 0; oc < outC; oc++ {
							go_ := out.Grad[outBase+oc]
							if go_ == 0 {
								continue
							}
							bias.Grad[oc] += go_
							for dx := 0; dx < kx; dx++ {
								xi := i + dx - px
								if xi < 0 || xi >= nx {
									continue
								}
								for dy := 0; dy < ky; dy++ {
									yj := j + dy - py
									if yj < 0 || yj >= ny {
										continue
									}
									for dz := 0; dz < kz; dz++ {
										zk := k + dz - pz
										if zk < 0 || zk >= nz {
											continue
										}
										inBase := (((bi*nx+xi)*ny+yj)*nz + zk) * inC
										wBase := (((dx*ky+dy)*kz+dz)*inC)*outC + oc
										for ic := 0; ic < inC; ic++ {
											w.Grad[wBase+ic*outC] += x.Data[inBase+ic] * go_
											x.Grad[inBase+ic] += w.Data[wBase+ic*outC] * go_
										}
									}
								}
							}
						}
					}
				}
			}
		}
	})
	return out
}

// ChannelNorm normalizes each channel vector to zero mean and unit variance,
// then applies the learned per-channel gain and offset. This is the
// single-group normalization used inside the gated residual blocks.
func (g *Graph) ChannelNorm(x, gamma, beta *Tensor, epsilon float64) *Tensor {
	c := x.Channels()
	if gamma.Size() != c || beta.Size() != c {
		panic("graph: ChannelNorm: gain/offset size must equal channel count")
	}
	rows := x.Rows()
	out := NewTensor(x.Shape...)
	means := make([]float64, rows)
	stds := make([]float64, rows)
	n := float64(c)

	for r := 0; r < rows; r++ {
		mean := 0.0
		for j := 0; j < c; j++ {
			mean += x.Data[r*c+j]
		}
		mean /= n
		variance := 0.0
		for j := 0; j < c; j++ {
			d := x.Data[r*c+j] - mean
			variance += d * d
		}
		variance /= n
		std := math.Sqrt(variance + epsilon)
		means[r], stds[r] = mean, std
		for j := 0; j < c; j++ {
			out.Data[r*c+j] = gamma.Data[j]*(x.Data[r*c+j]-mean)/std + beta.Data[j]
		}
	}

	g.addBackward(func() {
		for r := 0; r < rows; r++ {
			mean, std := means[r], stds[r]
			sumGrad := 0.0
			sumGradXNorm := 0.0
			for j := 0; j < c; j++ {
				xn := (x.Data[r*c+j] - mean) / std
				gamma.Grad[j] += out.Grad[r*c+j] * xn
				beta.Grad[j] += out.Grad[r*c+j]
				gn := out.Grad[r*c+j] * gamma.Data[j]
				sumGrad += gn
				sumGradXNorm += gn * xn
			}
			for j := 0; j < c; j++ {
				xn := (x.Data[r*c+j] - mean) / std
				gn := out.Grad[r*c+j] * gamma.Data[j]
				x.Grad[r*c+j] += (n*gn - sumGrad - xn*sumGradXNorm) / (n * std)
			}
		}
	})
	return out
}
