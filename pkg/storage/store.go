// Package storage persists backup output to a local directory or an S3 bucket.
//
// Names are slash-separated paths relative to the backup root, such as
// "styles.json" or "sprites/cjxyz@2x.png".
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotExist is returned by Read when nothing is stored under the name.
var ErrNotExist = errors.New("artifact does not exist")

// Store is the backup destination.
type Store interface {
	// Read returns the stored bytes or ErrNotExist.
	Read(ctx context.Context, name string) ([]byte, error)

	// Write stores data under name, replacing what was there.
	Write(ctx context.Context, name string, data []byte) error

	// Exists reports whether something is stored under name.
	Exists(ctx context.Context, name string) (bool, error)

	// Location describes where the root of the store is, for logging.
	Location() string
}

// MarshalIndent encodes v as JSON with two-space indentation and a trailing newline.
func MarshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IndentJSON re-indents an already encoded JSON document with two spaces.
func IndentJSON(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// WriteJSON encodes v with MarshalIndent and writes it under name.
func WriteJSON(ctx context.Context, store Store, name string, v any) error {
	data, err := MarshalIndent(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return store.Write(ctx, name, data)
}
