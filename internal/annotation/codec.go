package annotation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is wrapped by every decoding and validation failure.
var ErrInvalid = errors.New("invalid annotation")

// ImageFormat is the detected encoding of an image payload.
type ImageFormat string

const (
	FormatUnknown ImageFormat = ""
	FormatPNG     ImageFormat = "png"
	FormatJPEG    ImageFormat = "jpeg"
)

var (
	pngMagic  = []byte("\x89PNG\r\n\x1a\n")
	jpegMagic = []byte{0xff, 0xd8, 0xff}
)

// DetectImageFormat inspects the leading bytes of data.
func DetectImageFormat(data []byte) ImageFormat {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return FormatPNG
	case bytes.HasPrefix(data, jpegMagic):
		return FormatJPEG
	}
	return FormatUnknown
}

type wireAnnotation struct {
	ID             string   `json:"id"`
	Type           Kind     `json:"type"`
	Page           int      `json:"page"`
	X              float64  `json:"x"`
	Y              float64  `json:"y"`
	Text           string   `json:"text"`
	FontSize       float64  `json:"fontSize"`
	Color          *Color   `json:"color"`
	MaskColor      *Color   `json:"maskColor"`
	Width          float64  `json:"width"`
	Height         float64  `json:"height"`
	Opacity        *float64 `json:"opacity"`
	ImageData      string   `json:"imageData"`
	Path           string   `json:"path"`
	StrokeWidth    float64  `json:"strokeWidth"`
	OriginalRegion *Region  `json:"originalRegion"`
}

// UnmarshalJSON decodes and validates a single annotation.
func (a *Annotation) UnmarshalJSON(data []byte) error {
	var w wireAnnotation
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if w.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if w.Page < 1 {
		return fmt.Errorf("%w: %s: page must be >= 1, got %d", ErrInvalid, w.ID, w.Page)
	}

	body, err := w.body()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, w.ID, err)
	}
	*a = Annotation{ID: w.ID, Page: w.Page, X: w.X, Y: w.Y, Body: body}
	return nil
}

func (w *wireAnnotation) body() (Body, error) {
	color := Black
	if w.Color != nil {
		color = *w.Color
	}

	switch w.Type {
	case KindText:
		size, err := fontSize(w.FontSize)
		if err != nil {
			return nil, err
		}
		return &Text{Text: w.Text, FontSize: size, Color: color}, nil

	case KindRect:
		if err := nonNegative(w.Width, w.Height); err != nil {
			return nil, err
		}
		opacity := 1.0
		if w.Opacity != nil {
			opacity = clamp01(*w.Opacity)
		}
		return &Rect{Width: w.Width, Height: w.Height, Color: color, Opacity: opacity}, nil

	case KindImage:
		if err := nonNegative(w.Width, w.Height); err != nil {
			return nil, err
		}
		raw, err := decodeImageData(w.ImageData)
		if err != nil {
			return nil, err
		}
		return &Image{Width: w.Width, Height: w.Height, Data: raw, Format: DetectImageFormat(raw)}, nil

	case KindPath:
		subpaths, err := ParsePath(w.Path)
		if err != nil {
			return nil, err
		}
		width := w.StrokeWidth
		if width <= 0 {
			width = 1
		}
		return &Path{Subpaths: subpaths, Color: color, StrokeWidth: width}, nil

	case KindTextReplace:
		if w.OriginalRegion == nil {
			return nil, errors.New("text-replace requires originalRegion")
		}
		if err := nonNegative(w.OriginalRegion.Width, w.OriginalRegion.Height); err != nil {
			return nil, err
		}
		size, err := fontSize(w.FontSize)
		if err != nil {
			return nil, err
		}
		mask := White
		if w.MaskColor != nil {
			mask = *w.MaskColor
		}
		return &TextReplace{
			Text:           w.Text,
			FontSize:       size,
			Color:          color,
			MaskColor:      mask,
			OriginalRegion: *w.OriginalRegion,
		}, nil
	}
	return nil, fmt.Errorf("unknown type %q", w.Type)
}

func fontSize(v float64) (float64, error) {
	switch {
	case v == 0:
		return DefaultFontSize, nil
	case v < 0:
		return 0, fmt.Errorf("fontSize must be positive, got %g", v)
	}
	return v, nil
}

func nonNegative(width, height float64) error {
	if width < 0 || height < 0 {
		return fmt.Errorf("width and height must be non-negative, got %gx%g", width, height)
	}
	return nil
}

// decodeImageData accepts plain base64 or a data URL.
func decodeImageData(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("image requires imageData")
	}
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, errors.New("malformed data URL")
		}
		s = s[comma+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("imageData is not base64: %v", err)
	}
	return raw, nil
}

// DecodeList decodes a full annotation list in order. Ids must be unique.
func DecodeList(data []byte) ([]Annotation, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: annotations must be an array: %v", ErrInvalid, err)
	}
	if raws == nil {
		return nil, fmt.Errorf("%w: annotations must be an array, got null", ErrInvalid)
	}

	list := make([]Annotation, len(raws))
	seen := make(map[string]int, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal(raw, &list[i]); err != nil {
			return nil, fmt.Errorf("annotation %d: %w", i, err)
		}
		if j, dup := seen[list[i].ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q at %d and %d", ErrInvalid, list[i].ID, j, i)
		}
		seen[list[i].ID] = i
	}
	return list, nil
}
