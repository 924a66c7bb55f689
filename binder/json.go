// Package binder decodes HTTP request bodies into typed request values.
package binder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// DefaultMaxBodySize bounds JSON request bodies unless overridden.
const DefaultMaxBodySize int64 = 1 << 20

// JSONOption configures BindJSON.
type JSONOption func(*jsonBinder)

type jsonBinder struct {
	maxBytes     int64
	allowUnknown bool
}

// WithMaxBodySize limits the body to n bytes.
func WithMaxBodySize(n int64) JSONOption {
	return func(b *jsonBinder) { b.maxBytes = n }
}

// WithUnknownFields accepts fields not present in the target struct.
func WithUnknownFields() JSONOption {
	return func(b *jsonBinder) { b.allowUnknown = true }
}

// BindJSON creates a JSON binder function.
// Unknown fields and trailing data are rejected unless configured otherwise.
func BindJSON(opts ...JSONOption) func(r *http.Request, v any) error {
	b := &jsonBinder{maxBytes: DefaultMaxBodySize}
	for _, opt := range opts {
		opt(b)
	}

	return func(r *http.Request, v any) error {
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			return fmt.Errorf("%w: expected application/json", ErrMissingContentType)
		}
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			return fmt.Errorf("%w: got %s, expected application/json", ErrUnsupportedMediaType, contentType)
		}

		body := io.Reader(r.Body)
		if b.maxBytes > 0 {
			body = io.LimitReader(r.Body, b.maxBytes+1)
		}
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		if b.maxBytes > 0 && int64(len(data)) > b.maxBytes {
			return fmt.Errorf("%w: body exceeds %d bytes", ErrBodyTooLarge, b.maxBytes)
		}
		if len(data) == 0 {
			return fmt.Errorf("%w: empty body", ErrInvalidJSON)
		}

		dec := json.NewDecoder(bytes.NewReader(data))
		if !b.allowUnknown {
			dec.DisallowUnknownFields()
		}
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}

		// Ensure entire body was consumed
		var extra json.RawMessage
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: unexpected data after JSON object", ErrInvalidJSON)
		}
		return nil
	}
}
