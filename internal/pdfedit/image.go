package pdfedit

import (
	"errors"
	"image"
	"image/color"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// maxImagePixels bounds the decoded size of a single embedded image.
const maxImagePixels = 40_000_000

// embedImage stores img as a DeviceRGB image XObject. Non-opaque pixels add a
// DeviceGray soft mask.
func (d *PDF) embedImage(img image.Image) (types.IndirectRef, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return types.IndirectRef{}, errors.New("empty image")
	}
	if w*h > maxImagePixels {
		return types.IndirectRef{}, errors.New("image too large")
	}

	rgb := make([]byte, 0, w*h*3)
	alpha := make([]byte, 0, w*h)
	opaque := true
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			rgb = append(rgb, c.R, c.G, c.B)
			alpha = append(alpha, c.A)
			if c.A != 0xff {
				opaque = false
			}
		}
	}

	dict := imageDict(w, h, "DeviceRGB")
	if !opaque {
		mask, err := d.newStream(alpha, imageDict(w, h, "DeviceGray"))
		if err != nil {
			return types.IndirectRef{}, err
		}
		dict["SMask"] = mask
	}
	return d.newStream(rgb, dict)
}

func imageDict(w, h int, colorSpace string) types.Dict {
	return types.Dict{
		"Type":             types.Name("XObject"),
		"Subtype":          types.Name("Image"),
		"Width":            types.Integer(w),
		"Height":           types.Integer(h),
		"ColorSpace":       types.Name(colorSpace),
		"BitsPerComponent": types.Integer(8),
	}
}
