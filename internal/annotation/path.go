package annotation

import (
	"fmt"
	"strconv"
)

// ParsePath reads the move/line subset of SVG path data: M, L, H, V, Z and
// their relative forms. Extra coordinate pairs after a moveto are treated as
// linetos, as in SVG.
func ParsePath(d string) ([][]Point, error) {
	toks, err := tokenizePath(d)
	if err != nil {
		return nil, err
	}

	var (
		subpaths [][]Point
		cur      []Point
		pos      Point
		start    Point
		cmd      byte
		i        int
	)
	flush := func() {
		if len(cur) > 0 {
			subpaths = append(subpaths, cur)
		}
		cur = nil
	}
	num := func() (float64, error) {
		if i >= len(toks) || toks[i].cmd != 0 {
			return 0, fmt.Errorf("path: command %q is missing a coordinate", cmd)
		}
		v := toks[i].num
		i++
		return v, nil
	}

	for i < len(toks) {
		if c := toks[i].cmd; c != 0 {
			cmd = c
			i++
		} else if cmd == 0 {
			return nil, fmt.Errorf("path: data must start with a command")
		}

		switch cmd {
		case 'M', 'm':
			x, err := num()
			if err != nil {
				return nil, err
			}
			y, err := num()
			if err != nil {
				return nil, err
			}
			if cmd == 'm' {
				x, y = pos.X+x, pos.Y+y
			}
			flush()
			pos = Point{x, y}
			start = pos
			cur = []Point{pos}
			// implicit linetos keep the relative/absolute sense of the moveto
			if cmd == 'M' {
				cmd = 'L'
			} else {
				cmd = 'l'
			}
		case 'L', 'l':
			x, err := num()
			if err != nil {
				return nil, err
			}
			y, err := num()
			if err != nil {
				return nil, err
			}
			if cmd == 'l' {
				x, y = pos.X+x, pos.Y+y
			}
			pos = Point{x, y}
			cur = appendPoint(cur, start, pos)
		case 'H', 'h':
			x, err := num()
			if err != nil {
				return nil, err
			}
			if cmd == 'h' {
				x += pos.X
			}
			pos = Point{x, pos.Y}
			cur = appendPoint(cur, start, pos)
		case 'V', 'v':
			y, err := num()
			if err != nil {
				return nil, err
			}
			if cmd == 'v' {
				y += pos.Y
			}
			pos = Point{pos.X, y}
			cur = appendPoint(cur, start, pos)
		case 'Z', 'z':
			if len(cur) > 0 {
				cur = append(cur, start)
			}
			pos = start
			flush()
			cmd = 0
		default:
			return nil, fmt.Errorf("path: unsupported command %q", cmd)
		}
	}
	flush()

	if len(subpaths) == 0 {
		return nil, fmt.Errorf("path: no segments")
	}
	return subpaths, nil
}

// appendPoint starts an implicit subpath at start when a lineto follows a
// closepath.
func appendPoint(cur []Point, start, p Point) []Point {
	if len(cur) == 0 {
		cur = append(cur, start)
	}
	return append(cur, p)
}

type pathToken struct {
	cmd byte
	num float64
}

func tokenizePath(d string) ([]pathToken, error) {
	var toks []pathToken
	for i := 0; i < len(d); {
		c := d[i]
		switch {
		case c == ' ' || c == ',' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isPathCommand(c):
			toks = append(toks, pathToken{cmd: c})
			i++
		case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
			j := scanNumber(d, i)
			v, err := strconv.ParseFloat(d[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("path: bad number %q", d[i:j])
			}
			toks = append(toks, pathToken{num: v})
			i = j
		default:
			return nil, fmt.Errorf("path: unexpected character %q at offset %d", c, i)
		}
	}
	return toks, nil
}

func isPathCommand(c byte) bool {
	switch c {
	case 'M', 'm', 'L', 'l', 'H', 'h', 'V', 'v', 'Z', 'z':
		return true
	}
	return false
}

// scanNumber returns the end of the number starting at i. A second '.' or a
// sign not following an exponent starts the next number ("1.5.5" is 1.5 .5).
func scanNumber(d string, i int) int {
	j := i
	if d[j] == '-' || d[j] == '+' {
		j++
	}
	seenDot, seenExp := false, false
	for j < len(d) {
		c := d[j]
		switch {
		case c >= '0' && c <= '9':
			j++
		case c == '.' && !seenDot && !seenExp:
			seenDot = true
			j++
		case (c == 'e' || c == 'E') && !seenExp && j > i:
			seenExp = true
			j++
			if j < len(d) && (d[j] == '-' || d[j] == '+') {
				j++
			}
		default:
			return j
		}
	}
	return j
}
