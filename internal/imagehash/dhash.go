package imagehash

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"

	"github.com/disintegration/imaging"
)

// DHash computes a 64-bit difference hash: the image is reduced to 9x8 grayscale
// and each bit records whether a pixel is brighter than its right neighbour.
func DHash(img image.Image) uint64 {
	small := imaging.Resize(imaging.Grayscale(img), 9, 8, imaging.Lanczos)
	var hash uint64
	for y := 0; y < 8; y++ {
		row := small.Pix[y*small.Stride:]
		for x := 0; x < 8; x++ {
			hash <<= 1
			if row[x*4] > row[(x+1)*4] {
				hash |= 1
			}
		}
	}
	return hash
}

// Similarity maps the Hamming distance of two hashes onto [0,1].
func Similarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/64
}

type source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Comparer scores two profile image references by perceptual hash.
type Comparer struct {
	src source
}

// NewComparer wraps a fetcher.
func NewComparer(f *Fetcher) *Comparer {
	return &Comparer{src: f}
}

// Similarity fetches both images and compares their difference hashes.
// Unusable images yield an error wrapping ErrUnusableImage; network failures are transient.
func (c *Comparer) Similarity(ctx context.Context, suspectRef, targetRef string) (float64, error) {
	a, err := c.hash(ctx, suspectRef)
	if err != nil {
		return 0, err
	}
	b, err := c.hash(ctx, targetRef)
	if err != nil {
		return 0, err
	}
	return Similarity(a, b), nil
}

func (c *Comparer) hash(ctx context.Context, ref string) (uint64, error) {
	data, err := c.src.Fetch(ctx, ref)
	if err != nil {
		return 0, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("%w: decode %s: %v", ErrUnusableImage, ref, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return 0, fmt.Errorf("%w: empty image %s", ErrUnusableImage, ref)
	}
	return DHash(img), nil
}
