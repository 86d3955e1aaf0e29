package analysis

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// AttrFingerprint holds a 64-bit difference hash of the oriented image.
// Re-encoded or lightly edited copies of a picture stay within a few bits
// of the original, so examiners can match evidence against known sources.
const AttrFingerprint = "dhash"

// DifferenceHash downscales img to 9x8 grayscale and sets one bit per pixel
// that is brighter than its right-hand neighbour.
func DifferenceHash(img image.Image) uint64 {
	small := imaging.Grayscale(imaging.Resize(img, 9, 8, imaging.Lanczos))
	var h uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left := small.Pix[small.PixOffset(x, y)]
			right := small.Pix[small.PixOffset(x+1, y)]
			h <<= 1
			if left > right {
				h |= 1
			}
		}
	}
	return h
}

func formatFingerprint(h uint64) string { return fmt.Sprintf("%016x", h) }

// HammingDistance counts the differing bits of two fingerprints.
func HammingDistance(a, b uint64) int {
	n := 0
	for x := a ^ b; x != 0; x &= x - 1 {
		n++
	}
	return n
}
