package pdfedit

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/Dancode-188/pdfsync/server/internal/annotation"
	"golang.org/x/text/encoding/charmap"
)

// lineHeight is the text leading as a multiple of the font size.
const lineHeight = 1.2

// contentWriter accumulates content stream operators.
type contentWriter struct {
	buf bytes.Buffer
}

func (w *contentWriter) Len() int      { return w.buf.Len() }
func (w *contentWriter) Bytes() []byte { return w.buf.Bytes() }

// op writes operands followed by the operator and a newline.
func (w *contentWriter) op(operator string, operands ...string) {
	for _, o := range operands {
		w.buf.WriteString(o)
		w.buf.WriteByte(' ')
	}
	w.buf.WriteString(operator)
	w.buf.WriteByte('\n')
}

func (w *contentWriter) fillColor(c annotation.Color) {
	w.op("rg", num(c.R), num(c.G), num(c.B))
}

func (w *contentWriter) strokeColor(c annotation.Color) {
	w.op("RG", num(c.R), num(c.G), num(c.B))
}

func (w *contentWriter) rect(x, y, width, height float64, c annotation.Color, gs string) {
	w.op("q")
	if gs != "" {
		w.op("gs", "/"+gs)
	}
	w.fillColor(c)
	w.op("re", num(x), num(y), num(width), num(height))
	w.op("f")
	w.op("Q")
}

func (w *contentWriter) text(font string, x, y float64, s string, size float64, c annotation.Color) {
	w.op("q")
	w.fillColor(c)
	w.op("BT")
	w.op("Tf", "/"+font, num(size))
	w.op("TL", num(size*lineHeight))
	w.op("Td", num(x), num(y))
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			w.op("T*")
		}
		w.op("Tj", pdfString(winAnsi(line)))
	}
	w.op("ET")
	w.op("Q")
}

func (w *contentWriter) stroke(subpaths [][]annotation.Point, c annotation.Color, width float64) {
	w.op("q")
	w.strokeColor(c)
	w.op("w", num(width))
	w.op("J", "1")
	w.op("j", "1")
	for _, sub := range subpaths {
		for i, p := range sub {
			if i == 0 {
				w.op("m", num(p.X), num(p.Y))
				continue
			}
			w.op("l", num(p.X), num(p.Y))
		}
		if len(sub) == 1 {
			// a lone point still leaves a dot with round caps
			w.op("l", num(sub[0].X), num(sub[0].Y))
		}
	}
	w.op("S")
	w.op("Q")
}

func (w *contentWriter) image(name string, x, y, width, height float64) {
	w.op("q")
	w.op("cm", num(width), "0", "0", num(height), num(x), num(y))
	w.op("Do", "/"+name)
	w.op("Q")
}

// num formats v with at most four decimals and no exponent.
func num(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" || s == "" {
		return "0"
	}
	return s
}

// winAnsi encodes s for the standard WinAnsiEncoding. Runes the encoding
// cannot represent become '?'.
func winAnsi(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := charmap.Windows1252.EncodeRune(r); ok {
			out = append(out, b)
			continue
		}
		out = append(out, '?')
	}
	return out
}

// pdfString writes b as a literal string, escaping delimiters and
// non-printable bytes.
func pdfString(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) + 2)
	sb.WriteByte('(')
	for _, c := range b {
		switch {
		case c == '(' || c == ')' || c == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c < 0x20 || c == 0x7f:
			sb.WriteByte('\\')
			sb.WriteString(strconv.FormatInt(int64(c)|0o1000, 8)[1:])
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte(')')
	return sb.String()
}
