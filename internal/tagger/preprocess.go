package tagger

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// PrepareInput converts a decoded image into the tensor layout wd-tagger
// models expect: composite onto white, pad to a centered square, resize to
// targetSize, then emit float32 NHWC with channels in BGR order.
func PrepareInput(img image.Image, targetSize int) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	side := max(w, h)

	// White square canvas, image centered. Over-compositing flattens any
	// alpha channel onto white.
	square := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(square, square.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	offset := image.Pt((side-w)/2, (side-h)/2)
	draw.Draw(square, bounds.Sub(bounds.Min).Add(offset), img, bounds.Min, draw.Over)

	scaled := square
	if side != targetSize {
		scaled = image.NewRGBA(image.Rect(0, 0, targetSize, targetSize))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), square, square.Bounds(), draw.Src, nil)
	}

	out := make([]float32, targetSize*targetSize*3)
	i := 0
	for y := 0; y < targetSize; y++ {
		row := scaled.Pix[y*scaled.Stride:]
		for x := 0; x < targetSize; x++ {
			r := row[x*4]
			g := row[x*4+1]
			b := row[x*4+2]
			out[i] = float32(b)
			out[i+1] = float32(g)
			out[i+2] = float32(r)
			i += 3
		}
	}
	return out
}
