package brand

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Images are compared as grayscale thumbnails of a fixed canonical size.
const canonicalSize = 200

// canonicalGray resizes an image to the canonical comparison size and
// converts it to grayscale in one pass.
func canonicalGray(img image.Image) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, canonicalSize, canonicalSize))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// ssim computes a global structural similarity index between two grayscale
// images of equal size. 1 means identical.
func ssim(a, b *image.Gray) float64 {
	const (
		c1 = (0.01 * 255) * (0.01 * 255)
		c2 = (0.03 * 255) * (0.03 * 255)
	)

	n := float64(len(a.Pix))
	if n == 0 || len(a.Pix) != len(b.Pix) {
		return 0
	}

	var sumA, sumB float64
	for i := range a.Pix {
		sumA += float64(a.Pix[i])
		sumB += float64(b.Pix[i])
	}
	muA := sumA / n
	muB := sumB / n

	var varA, varB, cov float64
	for i := range a.Pix {
		da := float64(a.Pix[i]) - muA
		db := float64(b.Pix[i]) - muB
		varA += da * da
		varB += db * db
		cov += da * db
	}
	varA /= n - 1
	varB /= n - 1
	cov /= n - 1

	num := (2*muA*muB + c1) * (2*cov + c2)
	den := (muA*muA + muB*muB + c1) * (varA + varB + c2)
	return num / den
}

// histogramCorrelation computes the Pearson correlation between the
// 256-bin intensity histograms of two grayscale images.
func histogramCorrelation(a, b *image.Gray) float64 {
	var histA, histB [256]float64
	for _, p := range a.Pix {
		histA[p]++
	}
	for _, p := range b.Pix {
		histB[p]++
	}

	var meanA, meanB float64
	for i := 0; i < 256; i++ {
		meanA += histA[i]
		meanB += histB[i]
	}
	meanA /= 256
	meanB /= 256

	var num, denA, denB float64
	for i := 0; i < 256; i++ {
		da := histA[i] - meanA
		db := histB[i] - meanB
		num += da * db
		denA += da * da
		denB += db * db
	}
	if denA == 0 || denB == 0 {
		return 0
	}
	return num / math.Sqrt(denA*denB)
}

// Similarity compares two images as grayscale thumbnails. Structural
// similarity is the primary signal; histogram correlation catches logos
// that were shifted or recomposed but keep their palette.
func Similarity(a, b image.Image) float64 {
	ga, gb := canonicalGray(a), canonicalGray(b)
	sim := ssim(ga, gb)
	if corr := histogramCorrelation(ga, gb); corr > sim {
		sim = corr
	}
	return sim
}
