package compute

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8746 tags. Workers written against numpy tend to send frames as a
// multi-dimensional array of uint8 rather than a plain byte string.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
)

// decodePixels accepts a byte string, a uint8 typed array, or a
// [height, width, channels] multi-dimensional uint8 array. dims is nil unless
// the value carried its own shape.
func decodePixels(raw cbor.RawMessage) (pixels []byte, dims []int, err error) {
	if len(raw) == 0 {
		return nil, nil, nil
	}
	var value any
	if err := cbor.Unmarshal(raw, &value); err != nil {
		return nil, nil, fmt.Errorf("decode pixels: %w", err)
	}
	switch v := value.(type) {
	case []byte:
		return v, nil, nil
	case cbor.Tag:
		switch v.Number {
		case tagUint8:
			pixels, err := typedUint8(v)
			return pixels, nil, err
		case tagMultiDimArray:
			return decodeMultiDim(v)
		}
		return nil, nil, fmt.Errorf("unsupported pixel tag %d", v.Number)
	default:
		return nil, nil, fmt.Errorf("unsupported pixel value %T", value)
	}
}

func decodeMultiDim(tag cbor.Tag) ([]byte, []int, error) {
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, nil, errors.New("invalid multidim array content")
	}
	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) == 0 {
		return nil, nil, errors.New("invalid multidim dimensions")
	}
	dims := make([]int, len(dimsRaw))
	total := 1
	for i, d := range dimsRaw {
		n, err := toInt(d)
		if err != nil {
			return nil, nil, err
		}
		dims[i] = n
		total *= n
	}

	var data []byte
	switch v := items[1].(type) {
	case []byte:
		data = v
	case cbor.Tag:
		if v.Number != tagUint8 {
			return nil, nil, fmt.Errorf("unsupported element tag %d, want uint8", v.Number)
		}
		var err error
		if data, err = typedUint8(v); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unsupported multidim payload %T", v)
	}
	if len(data) != total {
		return nil, nil, fmt.Errorf("dimension mismatch: %v needs %d bytes, got %d", dims, total, len(data))
	}
	return data, dims, nil
}

func typedUint8(tag cbor.Tag) ([]byte, error) {
	b, ok := tag.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}
	return b, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case uint64:
		return int(n), nil
	case int64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported dimension type %T", v)
	}
}
