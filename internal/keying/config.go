package keying

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Config holds the keying parameters. A nil KeyColor means the color is
// sampled from the first frame.
type Config struct {
	KeyColor   *color.RGBA
	Similarity float64
	Smoothness float64
	Spill      float64
}

// DefaultConfig returns the stock parameters for a green screen.
func DefaultConfig() Config {
	return Config{
		Similarity: 0.18,
		Smoothness: 0.1,
		Spill:      0.2,
	}
}

// Validate checks that every parameter is strictly positive.
func (c Config) Validate() error {
	if c.Similarity <= 0 {
		return fmt.Errorf("similarity must be > 0, got %v", c.Similarity)
	}
	if c.Smoothness <= 0 {
		return fmt.Errorf("smoothness must be > 0, got %v", c.Smoothness)
	}
	if c.Spill <= 0 {
		return fmt.Errorf("spill must be > 0, got %v", c.Spill)
	}
	return nil
}

// ParseKeyColor accepts "#RRGGBB", "RRGGBB" or "R,G,B". An empty string
// yields nil.
func ParseKeyColor(s string) (*color.RGBA, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid key color %q: want R,G,B", s)
		}
		var rgb [3]uint8
		for i, p := range parts {
			v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid key color %q: %w", s, err)
			}
			rgb[i] = uint8(v)
		}
		return &color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 0xff}, nil
	}

	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 {
		return nil, fmt.Errorf("invalid key color %q: want #RRGGBB", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid key color %q: %w", s, err)
	}
	return &color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// FormatKeyColor is the inverse of ParseKeyColor.
func FormatKeyColor(c *color.RGBA) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}
