// Package control encodes the text messages exchanged alongside binary frames:
// prompt configuration from the producer and error replies from the transform peer.
package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"dstream/internal/types"
)

const DefaultNegativePrompt = "low quality"

var ErrMalformed = errors.New("malformed control message")

// Update is a parsed control message. NegativePrompt is nil when the key was absent.
type Update struct {
	Prompt         string
	NegativePrompt *string
}

// Apply returns current with the update's fields replaced.
func (u Update) Apply(current types.ControlMessage) types.ControlMessage {
	next := types.ControlMessage{
		Prompt:         u.Prompt,
		NegativePrompt: current.NegativePrompt,
	}
	if u.NegativePrompt != nil {
		next.NegativePrompt = *u.NegativePrompt
	}
	return next
}

func Marshal(msg types.ControlMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func Parse(payload []byte) (Update, error) {
	var raw struct {
		Prompt         *string `json:"prompt"`
		NegativePrompt *string `json:"negative_prompt"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Prompt == nil {
		return Update{}, fmt.Errorf("%w: missing prompt", ErrMalformed)
	}
	return Update{Prompt: *raw.Prompt, NegativePrompt: raw.NegativePrompt}, nil
}

func MarshalError(message string) []byte {
	data, err := json.Marshal(types.ErrorReply{Error: message})
	if err != nil {
		return []byte(`{"error":"unknown error"}`)
	}
	return data
}

// ParseError reports whether payload is an error reply object.
// Image payloads never start with '{', so the check is cheap for frames.
func ParseError(payload []byte) (string, bool) {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var reply struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &reply); err != nil || reply.Error == nil {
		return "", false
	}
	return *reply.Error, true
}
