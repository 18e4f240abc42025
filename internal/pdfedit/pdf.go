package pdfedit

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"maps"
	"slices"
	"strconv"

	"github.com/Dancode-188/pdfsync/server/internal/annotation"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

const fontResource = "AnnHelv"

// PDF is a Document backed by pdfcpu. Drawing is buffered per page and written
// into the page tree on the first RemovePage or Bytes call.
type PDF struct {
	conf  *model.Configuration
	ctx   *model.Context
	boxes []pageBox
	pages map[int]*pdfPage
	font  *types.IndirectRef
	seq   int
}

// Open parses and validates src.
func Open(src []byte) (*PDF, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	d := &PDF{conf: conf, pages: make(map[int]*pdfPage)}
	if err := d.load(src); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PDF) load(src []byte) error {
	ctx, err := api.ReadContext(bytes.NewReader(src), d.conf)
	if err != nil {
		return fmt.Errorf("read pdf: %w", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return fmt.Errorf("validate pdf: %w", err)
	}
	if err := api.OptimizeContext(ctx); err != nil {
		return fmt.Errorf("optimize pdf: %w", err)
	}
	pbs, err := ctx.PageBoundaries(nil)
	if err != nil {
		return fmt.Errorf("page sizes: %w", err)
	}
	boxes := make([]pageBox, len(pbs))
	for i, pb := range pbs {
		r := pb.CropBox()
		if r == nil {
			return fmt.Errorf("page %d: missing media box", i+1)
		}
		boxes[i] = pageBox{rect: *r, rot: ((pb.Rot % 360) + 360) % 360}
	}
	d.ctx, d.boxes, d.font = ctx, boxes, nil
	return nil
}

// pageBox is the visible region of a page and its effective /Rotate.
type pageBox struct {
	rect types.Rectangle
	rot  int
}

// size is the page as a viewer shows it.
func (b pageBox) size() Size {
	w, h := b.rect.Width(), b.rect.Height()
	if b.rot%180 != 0 {
		w, h = h, w
	}
	return Size{Width: w, Height: h}
}

// matrix maps upright display space, origin at the visible bottom-left
// corner, onto the page's own coordinate space.
func (b pageBox) matrix() [6]float64 {
	ll, ur := b.rect.LL, b.rect.UR
	switch b.rot {
	case 90:
		return [6]float64{0, 1, -1, 0, ur.X, ll.Y}
	case 180:
		return [6]float64{-1, 0, 0, -1, ur.X, ur.Y}
	case 270:
		return [6]float64{0, -1, 1, 0, ll.X, ur.Y}
	}
	return [6]float64{1, 0, 0, 1, ll.X, ll.Y}
}

func (d *PDF) NumPages() int {
	return d.ctx.PageCount
}

func (d *PDF) PageSize(i int) Size {
	if i < 0 || i >= len(d.boxes) {
		return Size{}
	}
	return d.boxes[i].size()
}

func (d *PDF) Page(i int) (Page, error) {
	if i < 0 || i >= d.ctx.PageCount {
		return nil, fmt.Errorf("page %d out of range", i+1)
	}
	p, ok := d.pages[i]
	if !ok {
		p = &pdfPage{doc: d, index: i}
		d.pages[i] = p
	}
	return p, nil
}

// RemovePage removes page i from the current page list.
func (d *PDF) RemovePage(i int) error {
	if i < 0 || i >= d.ctx.PageCount {
		return fmt.Errorf("page %d out of range", i+1)
	}
	if d.ctx.PageCount == 1 {
		return ErrNoPagesLeft
	}
	src, err := d.Bytes()
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := api.RemovePages(bytes.NewReader(src), &out, []string{strconv.Itoa(i + 1)}, d.conf); err != nil {
		return fmt.Errorf("remove page: %w", err)
	}
	return d.load(out.Bytes())
}

// Bytes flushes pending drawing and serializes the document.
func (d *PDF) Bytes() ([]byte, error) {
	if err := d.flush(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := api.WriteContext(d.ctx, &buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *PDF) flush() error {
	for _, i := range slices.Sorted(maps.Keys(d.pages)) {
		if err := d.pages[i].flush(); err != nil {
			return fmt.Errorf("page %d: %w", i+1, err)
		}
	}
	clear(d.pages)
	return nil
}

func (d *PDF) nextName(prefix string) string {
	d.seq++
	return prefix + strconv.Itoa(d.seq)
}

func (d *PDF) helvetica() (types.IndirectRef, error) {
	if d.font != nil {
		return *d.font, nil
	}
	font := types.Dict{
		"Type":     types.Name("Font"),
		"Subtype":  types.Name("Type1"),
		"BaseFont": types.Name("Helvetica"),
		"Encoding": types.Name("WinAnsiEncoding"),
	}
	ref, err := d.ctx.IndRefForNewObject(font)
	if err != nil {
		return types.IndirectRef{}, err
	}
	d.font = ref
	return *ref, nil
}

func (d *PDF) newStream(content []byte, extra types.Dict) (types.IndirectRef, error) {
	sd, err := d.ctx.NewStreamDictForBuf(content)
	if err != nil {
		return types.IndirectRef{}, err
	}
	for k, v := range extra {
		sd.Dict[k] = v
	}
	if err := sd.Encode(); err != nil {
		return types.IndirectRef{}, err
	}
	ref, err := d.ctx.IndRefForNewObject(*sd)
	if err != nil {
		return types.IndirectRef{}, err
	}
	return *ref, nil
}

// pdfPage collects operators and resources for one page.
type pdfPage struct {
	doc   *PDF
	index int
	cw    contentWriter

	fonts    map[string]types.Object
	xobjects map[string]types.Object
	states   map[string]types.Object
	opacity  map[float64]string
}

func (p *pdfPage) FillRect(x, y, w, h float64, c annotation.Color, opacity float64) error {
	gs := ""
	if opacity < 1 {
		gs = p.alphaState(opacity)
	}
	p.cw.rect(x, y, w, h, c, gs)
	return nil
}

func (p *pdfPage) DrawText(x, y float64, text string, size float64, c annotation.Color) error {
	ref, err := p.doc.helvetica()
	if err != nil {
		return err
	}
	if p.fonts == nil {
		p.fonts = make(map[string]types.Object)
	}
	p.fonts[fontResource] = ref
	p.cw.text(fontResource, x, y, text, size, c)
	return nil
}

func (p *pdfPage) StrokePath(subpaths [][]annotation.Point, c annotation.Color, width float64) error {
	p.cw.stroke(subpaths, c, width)
	return nil
}

func (p *pdfPage) DrawImage(img image.Image, x, y, w, h float64) error {
	ref, err := p.doc.embedImage(img)
	if err != nil {
		return err
	}
	name := p.doc.nextName("AnnIm")
	if p.xobjects == nil {
		p.xobjects = make(map[string]types.Object)
	}
	p.xobjects[name] = ref
	p.cw.image(name, x, y, w, h)
	return nil
}

func (p *pdfPage) alphaState(opacity float64) string {
	if name, ok := p.opacity[opacity]; ok {
		return name
	}
	if p.states == nil {
		p.states = make(map[string]types.Object)
		p.opacity = make(map[float64]string)
	}
	name := p.doc.nextName("AnnGS")
	p.states[name] = types.Dict{
		"Type": types.Name("ExtGState"),
		"ca":   types.Float(opacity),
		"CA":   types.Float(opacity),
	}
	p.opacity[opacity] = name
	return name
}

// flush wraps the original content in q/Q and appends the overlay stream so
// a graphics state left dirty by the page cannot leak into annotations.
func (p *pdfPage) flush() error {
	if p.cw.Len() == 0 {
		return nil
	}
	ctx := p.doc.ctx
	pageDict, _, inherited, err := ctx.PageDict(p.index+1, false)
	if err != nil {
		return err
	}
	if pageDict == nil {
		return errors.New("missing page dictionary")
	}

	var base types.Dict
	if obj, found := pageDict.Find("Resources"); found {
		if base, err = ctx.DereferenceDict(obj); err != nil {
			return err
		}
	} else if inherited != nil {
		base = inherited.Resources
	}
	res := cloneDict(base)
	for key, entries := range map[string]map[string]types.Object{
		"Font":      p.fonts,
		"XObject":   p.xobjects,
		"ExtGState": p.states,
	} {
		if len(entries) == 0 {
			continue
		}
		sub, err := ctx.DereferenceDict(res[key])
		if err != nil {
			return err
		}
		sub = cloneDict(sub)
		for name, obj := range entries {
			sub[name] = obj
		}
		res[key] = sub
	}
	pageDict["Resources"] = res

	var original types.Array
	if obj, found := pageDict.Find("Contents"); found {
		resolved, err := ctx.Dereference(obj)
		if err != nil {
			return err
		}
		if arr, ok := resolved.(types.Array); ok {
			original = arr
		} else if resolved != nil {
			original = types.Array{obj}
		}
	}

	ops := p.overlay()
	if len(original) == 0 {
		overlay, err := p.doc.newStream(ops, nil)
		if err != nil {
			return err
		}
		pageDict["Contents"] = overlay
		return nil
	}

	open, err := p.doc.newStream([]byte("q\n"), nil)
	if err != nil {
		return err
	}
	overlay, err := p.doc.newStream(append([]byte("\nQ\n"), ops...), nil)
	if err != nil {
		return err
	}
	contents := make(types.Array, 0, len(original)+2)
	contents = append(contents, open)
	contents = append(contents, original...)
	contents = append(contents, overlay)
	pageDict["Contents"] = contents
	return nil
}

// overlay returns the page's operators, prefixed with a cm that places
// display coordinates on rotated or offset pages.
func (p *pdfPage) overlay() []byte {
	m := p.doc.boxes[p.index].matrix()
	if m == [6]float64{1, 0, 0, 1, 0, 0} {
		return p.cw.Bytes()
	}
	var w contentWriter
	w.op("cm", num(m[0]), num(m[1]), num(m[2]), num(m[3]), num(m[4]), num(m[5]))
	w.buf.Write(p.cw.Bytes())
	return w.Bytes()
}

func cloneDict(d types.Dict) types.Dict {
	out := types.NewDict()
	for k, v := range d {
		out[k] = v
	}
	return out
}
