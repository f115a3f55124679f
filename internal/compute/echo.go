package compute

import (
	"context"
	"hash/fnv"
	"image"

	"dstream/internal/geometry"
)

// Echo is a stand-in backend for running without a model: it resizes the
// frame to the output size and tints it with a colour derived from the prompt.
type Echo struct {
	Width  int
	Height int
}

func (e Echo) Compute(ctx context.Context, img *image.RGBA, params Params) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := geometry.Resize(img, e.Width, e.Height, geometry.Bilinear)
	tint := promptTint(params.Prompt)
	for i := 0; i+3 < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			out.Pix[i+c] = uint8((uint16(out.Pix[i+c])*3 + uint16(tint[c])) / 4)
		}
	}
	return out, nil
}

func promptTint(prompt string) [3]uint8 {
	if prompt == "" {
		return [3]uint8{}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	sum := h.Sum32()
	return [3]uint8{uint8(sum), uint8(sum >> 8), uint8(sum >> 16)}
}
