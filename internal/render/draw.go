package render

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"

	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

// DrawFunc paints one output frame onto dst. index and total describe the
// position of base within the base track.
type DrawFunc func(dst *image.NRGBA, base, composite *media.Frame, index, total int)

var opaqueBlack = image.NewUniform(color.NRGBA{A: 255})

// Overlay scales base onto dst and alpha-composites the keyed frame over it.
func Overlay(dst *image.NRGBA, base, composite *media.Frame, _, _ int) {
	r := dst.Bounds()
	if base == nil || base.Image == nil {
		xdraw.Draw(dst, r, opaqueBlack, image.Point{}, xdraw.Src)
	} else {
		scale(dst, base.Image, xdraw.Src)
	}
	if composite != nil && composite.Image != nil {
		scale(dst, composite.Image, xdraw.Over)
	}
}

func scale(dst *image.NRGBA, src *image.NRGBA, op xdraw.Op) {
	if src.Bounds().Size() == dst.Bounds().Size() {
		xdraw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, op)
		return
	}
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), op, nil)
}
