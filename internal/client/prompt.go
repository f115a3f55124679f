package client

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// PromptFile re-reads a prompt from disk at most once per interval.
type PromptFile struct {
	Path     string
	Interval time.Duration

	current string
	checked time.Time
}

func (p *PromptFile) Load() (string, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt file %s is empty", p.Path)
	}
	p.current = prompt
	return prompt, nil
}

// Poll returns the new prompt when the file changed since the last read.
// Read errors keep the current prompt.
func (p *PromptFile) Poll(now time.Time) (string, bool, error) {
	if p == nil || p.Path == "" {
		return "", false, nil
	}
	if !p.checked.IsZero() && now.Sub(p.checked) < p.Interval {
		return "", false, nil
	}
	p.checked = now
	previous := p.current
	prompt, err := p.Load()
	if err != nil {
		return "", false, err
	}
	return prompt, prompt != previous, nil
}
