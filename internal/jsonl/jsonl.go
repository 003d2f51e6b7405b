// Package jsonl provides append and tail helpers for the project's JSONL
// logs (ProjectLogic/projectlogic.jsonl, Placeholders/todos.jsonl).
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Append marshals entry as one JSON line and appends it. The write is a
// single O_APPEND syscall, so concurrent appenders interleave whole lines.
func Append(path string, entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling jsonl entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304 - path rooted at project
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending to %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Tail returns the last n lines of a JSONL file as raw messages, oldest
// first. A missing file yields an empty slice. Malformed lines are skipped
// rather than failing the read: tails feed session boot, which must not be
// wedged by one corrupt line.
func Tail(path string, n int) ([]json.RawMessage, error) {
	file, err := os.Open(path) // #nosec G304 - path rooted at project
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		lines = append(lines, raw)
		if n > 0 && len(lines) > n*2 {
			// Bound memory on huge logs: keep a sliding window.
			lines = lines[len(lines)-n:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", filepath.Base(path), err)
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// TailInto unmarshals the last n lines into out, which must be a pointer to
// a slice.
func TailInto[T any](path string, n int) ([]T, error) {
	raws, err := Tail(path, n)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
