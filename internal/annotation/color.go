package annotation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Color is an RGB color with components in [0, 1].
type Color struct {
	R, G, B float64
}

var (
	Black = Color{0, 0, 0}
	White = Color{1, 1, 1}
)

// UnmarshalJSON accepts {"r":..,"g":..,"b":..} or "#rrggbb". Object
// components above 1 are read as 0..255 values.
func (c *Color) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseHex(s)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}

	var raw struct {
		R float64 `json:"r"`
		G float64 `json:"g"`
		B float64 `json:"b"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("color: %w", err)
	}
	if raw.R > 1 || raw.G > 1 || raw.B > 1 {
		raw.R, raw.G, raw.B = raw.R/255, raw.G/255, raw.B/255
	}
	*c = Color{R: clamp01(raw.R), G: clamp01(raw.G), B: clamp01(raw.B)}
	return nil
}

// MarshalJSON writes the object form.
func (c Color) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]float64{"r": c.R, "g": c.G, "b": c.B})
}

// ParseHex parses "#rgb" or "#rrggbb".
func ParseHex(s string) (Color, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return Color{}, fmt.Errorf("color: invalid hex value %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("color: invalid hex value %q", s)
	}
	return Color{
		R: float64((v>>16)&0xff) / 255,
		G: float64((v>>8)&0xff) / 255,
		B: float64(v&0xff) / 255,
	}, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
