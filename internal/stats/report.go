package stats

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EncodeReport is the wire form of a report for external sinks.
func EncodeReport(r Report) ([]byte, error) {
	return cbor.Marshal(r)
}

func DecodeReport(payload []byte) (Report, error) {
	var r Report
	if err := cbor.Unmarshal(payload, &r); err != nil {
		return Report{}, fmt.Errorf("decode stats report: %w", err)
	}
	return r, nil
}
