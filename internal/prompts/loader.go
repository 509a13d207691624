// Package prompts holds the LLM prompt texts used by query expansion and fit
// scoring. Prompt files are JSON objects of key to text, embedded at compile time.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Creators is the prompt file of the creator search pipeline.
const Creators = "creators.json"

//go:embed *.json
var promptFiles embed.FS

var (
	mu    sync.RWMutex
	files = make(map[string]map[string]string)
)

// Get returns the prompt stored under key in file.
func Get(file, key string) (string, error) {
	entries, err := load(file)
	if err != nil {
		return "", err
	}
	text, ok := entries[key]
	if !ok {
		return "", fmt.Errorf("prompt %q not found in %s", key, file)
	}
	return text, nil
}

// MustGet is Get for prompts that ship with the binary; a missing prompt panics.
func MustGet(file, key string) string {
	text, err := Get(file, key)
	if err != nil {
		panic(fmt.Sprintf("failed to load prompt: %v", err))
	}
	return text
}

// Format replaces {{.Key}} placeholders with values from data.
func Format(template string, data map[string]string) string {
	pairs := make([]string, 0, 2*len(data))
	for k, v := range data {
		pairs = append(pairs, "{{."+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Lines splits a multi-line prompt into its non-empty lines.
func Lines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func load(file string) (map[string]string, error) {
	mu.RLock()
	entries, ok := files[file]
	mu.RUnlock()
	if ok {
		return entries, nil
	}

	data, err := promptFiles.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", file, err)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", file, err)
	}

	mu.Lock()
	files[file] = entries
	mu.Unlock()
	return entries, nil
}
