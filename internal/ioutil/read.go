package ioutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge is returned by DecodeLimited when the body exceeds the limit.
var ErrTooLarge = errors.New("body too large")

// ReadLimited reads up to limit bytes from r and returns the content as a string.
// If reading fails, returns a string describing the read failure instead of silencing
// the error. This is intended for including response bodies in error messages and logs.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

// DecodeLimited decodes a single JSON value of at most limit bytes into v.
func DecodeLimited(r io.Reader, limit int64, v any) error {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return ErrTooLarge
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
