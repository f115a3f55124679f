package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"dstream/internal/types"
)

const (
	MinQuality     = 1
	MaxQuality     = 100
	DefaultQuality = 90
)

var (
	ErrEncode = errors.New("encode failed")
	ErrDecode = errors.New("decode failed")
)

// Codec converts frames of one negotiated shape to and from wire bytes.
type Codec interface {
	Encode(frame types.Frame) ([]byte, error)
	Decode(data []byte) (types.Frame, error)
	Encoding() types.Encoding
}

func New(encoding types.Encoding, width, height, quality int) (Codec, error) {
	switch encoding {
	case types.EncodingRaw:
		return NewRaw(width, height)
	case types.EncodingJPEG, "":
		return NewJPEG(width, height, quality)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

type RawCodec struct {
	width  int
	height int
}

func NewRaw(width, height int) (*RawCodec, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	return &RawCodec{width: width, height: height}, nil
}

func (c *RawCodec) Encoding() types.Encoding { return types.EncodingRaw }

func (c *RawCodec) Encode(frame types.Frame) ([]byte, error) {
	if err := checkShape(frame, c.width, c.height); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	out := make([]byte, len(frame.Pix))
	copy(out, frame.Pix)
	return out, nil
}

func (c *RawCodec) Decode(data []byte) (types.Frame, error) {
	want := c.width * c.height * types.Channels
	if len(data) != want {
		return types.Frame{}, fmt.Errorf("%w: raw payload has %d bytes, want %d", ErrDecode, len(data), want)
	}
	frame := types.NewFrame(c.width, c.height)
	copy(frame.Pix, data)
	return frame, nil
}

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

type JPEGCodec struct {
	width   int
	height  int
	quality int
}

func NewJPEG(width, height, quality int) (*JPEGCodec, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if quality < MinQuality || quality > MaxQuality {
		return nil, fmt.Errorf("jpeg quality %d out of range [%d, %d]", quality, MinQuality, MaxQuality)
	}
	return &JPEGCodec{width: width, height: height, quality: quality}, nil
}

func (c *JPEGCodec) Encoding() types.Encoding { return types.EncodingJPEG }

func (c *JPEGCodec) Quality() int { return c.quality }

func (c *JPEGCodec) Encode(frame types.Frame) ([]byte, error) {
	if err := checkShape(frame, c.width, c.height); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := jpeg.Encode(buf, frame.Image(), &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *JPEGCodec) Decode(data []byte) (types.Frame, error) {
	if len(data) == 0 {
		return types.Frame{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() != c.width || b.Dy() != c.height {
		return types.Frame{}, fmt.Errorf("%w: image is %dx%d, want %dx%d", ErrDecode, b.Dx(), b.Dy(), c.width, c.height)
	}
	return types.FrameFromImage(img), nil
}

// EncodeImage is a convenience for callers holding an image rather than a Frame.
func EncodeImage(c Codec, img image.Image) ([]byte, error) {
	return c.Encode(types.FrameFromImage(img))
}

func checkShape(frame types.Frame, width, height int) error {
	if frame.Width != width || frame.Height != height {
		return fmt.Errorf("frame is %dx%d, want %dx%d", frame.Width, frame.Height, width, height)
	}
	if !frame.Valid() {
		return fmt.Errorf("frame buffer has %d bytes, want %d", len(frame.Pix), width*height*types.Channels)
	}
	return nil
}
