// Package preprocess holds the cheap deterministic filters applied to each
// frame before the compute step. A pipeline is chosen once, by name, when the
// server is configured.
package preprocess

import (
	"image"
	"sort"
	"strings"
)

// Filter returns a new image; it never modifies its input.
type Filter func(img *image.RGBA) *image.RGBA

const (
	Canny          = "canny"
	CannyBlurShift = "canny_blur_shift"
	Blur           = "blur"
	Gray           = "gray"
	Contrast       = "contrast"
)

var registry = map[string]Filter{
	Canny:          cannyFilter,
	CannyBlurShift: cannyBlurShiftFilter,
	Blur:           blurFilter,
	Gray:           grayFilter,
	Contrast:       contrastFilter,
}

// Names lists the known filters.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Known(name string) bool {
	_, ok := registry[strings.TrimSpace(name)]
	return ok
}

// Lookup returns the named filter, or identity when the name is empty or unknown.
func Lookup(name string) Filter {
	if f, ok := registry[strings.TrimSpace(name)]; ok {
		return f
	}
	return identity
}

func identity(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Rect)
	copy(out.Pix, img.Pix)
	return out
}

type Pipeline struct {
	names   []string
	filters []Filter
}

// Parse builds a pipeline from a comma separated list such as "blur,gray".
// Unknown names act as identity.
func Parse(spec string) Pipeline {
	var p Pipeline
	for _, part := range strings.Split(spec, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		p.names = append(p.names, name)
		p.filters = append(p.filters, Lookup(name))
	}
	return p
}

func (p Pipeline) Names() []string {
	return append([]string(nil), p.names...)
}

func (p Pipeline) String() string {
	if len(p.names) == 0 {
		return "none"
	}
	return strings.Join(p.names, ",")
}

func (p Pipeline) Apply(img *image.RGBA) *image.RGBA {
	if len(p.filters) == 0 {
		return img
	}
	out := img
	for _, f := range p.filters {
		out = f(out)
	}
	return out
}
