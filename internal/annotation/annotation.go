// Package annotation defines the edit instructions clients place on a shared
// document. An Annotation carries the fields every kind shares and a Body
// holding exactly the fields of its kind.
//
// All positions are in viewer space: origin at the top-left corner of the
// page, y growing downwards, in PDF points. Converting to document space is
// the job of the mutation engine.
package annotation

// Kind names an annotation variant on the wire.
type Kind string

const (
	KindText        Kind = "text"
	KindRect        Kind = "rect"
	KindImage       Kind = "image"
	KindPath        Kind = "path"
	KindTextReplace Kind = "text-replace"
)

// DefaultFontSize is used when a text annotation omits fontSize.
const DefaultFontSize = 12.0

// Annotation is a single pending edit attached to a page.
type Annotation struct {
	ID   string
	Page int // 1-based
	X    float64
	Y    float64
	Body Body
}

// Kind returns the variant of the annotation body.
func (a Annotation) Kind() Kind {
	if a.Body == nil {
		return ""
	}
	return a.Body.Kind()
}

// PageIndex returns the 0-based page index.
func (a Annotation) PageIndex() int {
	return a.Page - 1
}

// Body is implemented by *Text, *Rect, *Image, *Path and *TextReplace only.
type Body interface {
	Kind() Kind
	sealed()
}

// Text draws a string with its baseline at the annotation position.
type Text struct {
	Text     string
	FontSize float64
	Color    Color
}

// Rect fills a box whose top-left corner is the annotation position.
type Rect struct {
	Width   float64
	Height  float64
	Color   Color
	Opacity float64
}

// Image places a PNG or JPEG picture whose top-left corner is the
// annotation position. Format is filled in from the payload's magic bytes.
type Image struct {
	Width  float64
	Height float64
	Data   []byte
	Format ImageFormat
}

// Path strokes freehand subpaths. Points are relative to the annotation
// position, in viewer space.
type Path struct {
	Subpaths    [][]Point
	Color       Color
	StrokeWidth float64
}

// TextReplace masks OriginalRegion and then draws the replacement text at the
// annotation position. Both are in viewer space like every other variant.
type TextReplace struct {
	Text           string
	FontSize       float64
	Color          Color
	MaskColor      Color
	OriginalRegion Region
}

// Region is a rectangle in viewer space given by its top-left corner.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a path vertex.
type Point struct {
	X, Y float64
}

func (*Text) Kind() Kind        { return KindText }
func (*Rect) Kind() Kind        { return KindRect }
func (*Image) Kind() Kind       { return KindImage }
func (*Path) Kind() Kind        { return KindPath }
func (*TextReplace) Kind() Kind { return KindTextReplace }

func (*Text) sealed()        {}
func (*Rect) sealed()        {}
func (*Image) sealed()       {}
func (*Path) sealed()        {}
func (*TextReplace) sealed() {}
