package idgen

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sundayezeilo/shorty/internal/link"
)

// Generator generates unique identifiers.
// Implementations should be safe for concurrent use.
type Generator interface {
	Generate() (uuid.UUID, error)
}

/***************
 * UUID v7
 ***************/

type v7Gen struct {
	maxRetries int
}

type V7Option func(*v7Gen)

// WithRetries sets how many times to retry uuid.NewV7() after the initial attempt.
// Defaults to 1. Set to 0 to disable retries.
func WithRetries(n int) V7Option {
	return func(g *v7Gen) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// NewV7 returns a Generator that produces time-ordered UUID v7 values.
func NewV7(opts ...V7Option) Generator {
	g := &v7Gen{maxRetries: 1}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *v7Gen) Generate() (uuid.UUID, error) {
	var last error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		id, err := uuid.NewV7()
		if err == nil {
			return id, nil
		}
		last = err
	}
	return uuid.Nil, fmt.Errorf("uuid v7 generation failed after %d attempts: %w", g.maxRetries+1, last)
}

/***************
 * Placeholder link ids
 ***************/

// Placeholder mints a link id that can never collide with a server-assigned id.
func Placeholder(g Generator) (link.ID, error) {
	if g == nil {
		g = NewV7()
	}
	id, err := g.Generate()
	if err != nil {
		return "", fmt.Errorf("placeholder id: %w", err)
	}
	return link.ID(link.PlaceholderPrefix + id.String()), nil
}
