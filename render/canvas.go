package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
)

// CanvasProvider backs ModeCanvas with in-memory RGBA images.
type CanvasProvider struct{}

func (CanvasProvider) Mode() Mode { return ModeCanvas }

func (CanvasProvider) NewSurface(width, height int) (Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("render: invalid surface size %dx%d", width, height)
	}
	return &rgbaSurface{img: image.NewRGBA(image.Rect(0, 0, width, height))}, nil
}

type rgbaSurface struct {
	img *image.RGBA
}

func (s *rgbaSurface) Width() int  { return s.img.Bounds().Dx() }
func (s *rgbaSurface) Height() int { return s.img.Bounds().Dy() }

func (s *rgbaSurface) Clear() {
	draw.Draw(s.img, s.img.Bounds(), image.Transparent, image.Point{}, draw.Src)
}

// FillRect clips the rectangle to the surface.
func (s *rgbaSurface) FillRect(x, y, w, h int, c color.Color) {
	r := image.Rect(x, y, x+w, y+h).Intersect(s.img.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(s.img, r, image.NewUniform(c), image.Point{}, draw.Over)
}

func (s *rgbaSurface) Image() image.Image { return s.img }

func (s *rgbaSurface) EncodePNG(w io.Writer) error {
	return png.Encode(w, s.img)
}
