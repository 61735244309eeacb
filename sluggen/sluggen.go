// Package sluggen generates random short codes for links.
// Generators should be safe for concurrent use.
package sluggen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// maxUnbiased is the largest multiple of 62 that fits in a byte. Bytes at or above
	// it are rejected so every character is equally likely.
	maxUnbiased = 248
)

// ErrInvalidLength is returned for a non-positive length.
var ErrInvalidLength = errors.New("length must be positive")

// Generator generates short codes.
type Generator interface {
	Generate(length int) (string, error)
}

type base62Generator struct {
	mu  sync.Mutex
	src io.Reader
}

// NewBase62 returns a generator reading from crypto/rand.
func NewBase62() Generator {
	return &base62Generator{src: rand.Reader}
}

// NewBase62From returns a generator reading random bytes from src. Reads from src
// are serialized.
func NewBase62From(src io.Reader) Generator {
	return &base62Generator{src: src}
}

// Generate returns a uniformly random base62 string of the given length.
func (g *base62Generator) Generate(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length+length/4+1)
	for len(out) < length {
		if err := g.read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= maxUnbiased {
				continue
			}
			out = append(out, base62Chars[b%62])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

func (g *base62Generator) read(buf []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := io.ReadFull(g.src, buf)
	return err
}

// Valid reports whether code is non-empty, at most maxLen long and base62 only.
func Valid(code string, maxLen int) bool {
	if code == "" || len(code) > maxLen {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
