// Package pdfedit turns an original PDF, an ordered annotation list and a set
// of deleted pages into a new PDF.
//
// Annotations arrive in viewer space (origin top-left, y down). The engine
// flips every variant into document space (origin bottom-left, y up) using the
// height of the page the annotation lands on, then drives a Document to draw
// them in list order. Pages are removed last, highest index first.
package pdfedit

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"slices"

	"github.com/Dancode-188/pdfsync/server/internal/annotation"
)

// ErrNoPagesLeft is returned when the deleted set covers every page.
var ErrNoPagesLeft = errors.New("pdfedit: cannot delete every page")

// Size is a page size in points.
type Size struct {
	Width  float64
	Height float64
}

// Document is the structural editing capability the engine drives. All
// drawing happens before the first RemovePage call.
type Document interface {
	NumPages() int
	PageSize(i int) Size
	Page(i int) (Page, error)
	RemovePage(i int) error
	Bytes() ([]byte, error)
}

// Page draws in document space. Coordinates are points from the bottom-left
// corner of the page.
type Page interface {
	FillRect(x, y, w, h float64, c annotation.Color, opacity float64) error
	DrawText(x, y float64, text string, size float64, c annotation.Color) error
	StrokePath(subpaths [][]annotation.Point, c annotation.Color, width float64) error
	DrawImage(img image.Image, x, y, w, h float64) error
}

// Skip records an annotation that could not be applied.
type Skip struct {
	ID     string
	Reason string
}

// Result describes what an engine run did besides producing bytes.
type Result struct {
	// Skipped annotations failed individually (bad image payloads).
	Skipped []Skip
	// Dropped counts annotations on deleted or missing pages.
	Dropped int
	// Removed lists the removed page indices in removal order.
	Removed []int
	// Pages is the page count of the output.
	Pages int
}

// Engine applies annotations to a Document. The zero value is ready to use.
type Engine struct{}

// Apply draws anns onto doc in order and then removes the deleted pages.
func (Engine) Apply(doc Document, anns []annotation.Annotation, deleted []int) (Result, error) {
	var res Result

	n := doc.NumPages()
	removal := removalOrder(deleted, n)
	if n > 0 && len(removal) == n {
		return res, ErrNoPagesLeft
	}
	gone := make(map[int]bool, len(removal))
	for _, i := range removal {
		gone[i] = true
	}

	pages := make(map[int]Page)
	for _, a := range anns {
		idx := a.PageIndex()
		if idx < 0 || idx >= n || gone[idx] {
			res.Dropped++
			continue
		}

		page, ok := pages[idx]
		if !ok {
			p, err := doc.Page(idx)
			if err != nil {
				return res, fmt.Errorf("pdfedit: open page %d: %w", idx+1, err)
			}
			page, pages[idx] = p, p
		}

		skip, err := draw(page, doc.PageSize(idx).Height, a)
		if err != nil {
			return res, fmt.Errorf("pdfedit: draw %s %q: %w", a.Kind(), a.ID, err)
		}
		if skip != "" {
			res.Skipped = append(res.Skipped, Skip{ID: a.ID, Reason: skip})
		}
	}

	for _, i := range removal {
		if err := doc.RemovePage(i); err != nil {
			return res, fmt.Errorf("pdfedit: remove page %d: %w", i+1, err)
		}
		res.Removed = append(res.Removed, i)
	}
	res.Pages = doc.NumPages()
	return res, nil
}

// draw renders one annotation. A non-empty skip reason means the annotation
// was left out without failing the run.
func draw(p Page, h float64, a annotation.Annotation) (skip string, err error) {
	switch b := a.Body.(type) {
	case *annotation.Text:
		return "", p.DrawText(a.X, h-a.Y, b.Text, b.FontSize, b.Color)

	case *annotation.Rect:
		return "", p.FillRect(a.X, h-a.Y-b.Height, b.Width, b.Height, b.Color, b.Opacity)

	case *annotation.Image:
		img, err := decodeImage(b)
		if err != nil {
			return err.Error(), nil
		}
		if err := p.DrawImage(img, a.X, h-a.Y-b.Height, b.Width, b.Height); err != nil {
			return "embed image: " + err.Error(), nil
		}
		return "", nil

	case *annotation.Path:
		flipped := make([][]annotation.Point, len(b.Subpaths))
		for i, sub := range b.Subpaths {
			pts := make([]annotation.Point, len(sub))
			for j, pt := range sub {
				pts[j] = annotation.Point{X: a.X + pt.X, Y: h - (a.Y + pt.Y)}
			}
			flipped[i] = pts
		}
		return "", p.StrokePath(flipped, b.Color, b.StrokeWidth)

	case *annotation.TextReplace:
		r := b.OriginalRegion
		if err := p.FillRect(r.X, h-r.Y-r.Height, r.Width, r.Height, b.MaskColor, 1); err != nil {
			return "", err
		}
		return "", p.DrawText(a.X, h-a.Y, b.Text, b.FontSize, b.Color)
	}
	return fmt.Sprintf("unsupported annotation kind %q", a.Kind()), nil
}

// decodeImage reads the image header first so oversized rasters are refused
// before any pixels are allocated.
func decodeImage(b *annotation.Image) (image.Image, error) {
	var (
		decodeConfig func(io.Reader) (image.Config, error)
		decode       func(io.Reader) (image.Image, error)
	)
	switch b.Format {
	case annotation.FormatPNG:
		decodeConfig, decode = png.DecodeConfig, png.Decode
	case annotation.FormatJPEG:
		decodeConfig, decode = jpeg.DecodeConfig, jpeg.Decode
	default:
		return nil, errors.New("unsupported image format")
	}

	cfg, err := decodeConfig(bytes.NewReader(b.Data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.Format, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.New("empty image")
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxImagePixels {
		return nil, fmt.Errorf("image too large: %dx%d", cfg.Width, cfg.Height)
	}

	img, err := decode(bytes.NewReader(b.Data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.Format, err)
	}
	return img, nil
}

// removalOrder dedupes deleted, drops indices outside [0, n) and sorts the
// rest highest first so earlier removals never shift later ones.
func removalOrder(deleted []int, n int) []int {
	out := make([]int, 0, len(deleted))
	for _, i := range deleted {
		if i >= 0 && i < n {
			out = append(out, i)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	slices.Reverse(out)
	return out
}

// Mutate opens src with the pdfcpu backend, applies anns and deleted, and
// returns the new document.
func Mutate(src []byte, anns []annotation.Annotation, deleted []int) ([]byte, Result, error) {
	doc, err := Open(src)
	if err != nil {
		return nil, Result{}, fmt.Errorf("pdfedit: %w", err)
	}
	res, err := Engine{}.Apply(doc, anns, deleted)
	if err != nil {
		return nil, res, err
	}
	out, err := doc.Bytes()
	if err != nil {
		return nil, res, fmt.Errorf("pdfedit: %w", err)
	}
	return out, res, nil
}
