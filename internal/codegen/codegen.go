package codegen

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/mossy-p/session-coordinator/internal/apperr"
)

const (
	DefaultLength      = 6
	DefaultMaxAttempts = 10
	FallbackLength     = 9

	digits = "0123456789"
)

// Reserver atomically claims code, returning false when it is already taken.
type Reserver func(ctx context.Context, code string) (bool, error)

// Generator produces short numeric room codes that are unique while alive.
type Generator struct {
	length      int
	maxAttempts int
	random      io.Reader
	draw        func() (string, error)
	now         func() time.Time
}

type Option func(*Generator)

// WithRandom draws digits from r instead of the default nanoid generator.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithLength(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.length = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(g *Generator) { g.maxAttempts = n }
}

func New(opts ...Option) *Generator {
	g := &Generator{
		length:      DefaultLength,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.random == nil {
		gen, err := nanoid.CustomASCII(digits, g.length)
		if err == nil {
			g.draw = func() (string, error) { return gen(), nil }
			return g
		}
		g.random = rand.Reader
	}
	g.draw = g.readCode
	return g
}

// Generate returns a code claimed through reserve. After maxAttempts
// collisions it falls back to a timestamp-derived code of a longer length.
func (g *Generator) Generate(ctx context.Context, reserve Reserver) (string, error) {
	for i := 0; i < g.maxAttempts; i++ {
		code, err := g.draw()
		if err != nil {
			return "", apperr.Internal("failed to generate room code", err)
		}
		ok, err := reserve(ctx, code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}

	code := g.timestampCode()
	ok, err := reserve(ctx, code)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.Conflict("could not allocate a room code, try again")
	}
	return code, nil
}

// readCode draws one byte per digit, rejecting bytes that would bias the
// distribution towards low digits.
func (g *Generator) readCode() (string, error) {
	code := make([]byte, 0, g.length)
	buf := make([]byte, 1)
	for len(code) < g.length {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", err
		}
		if buf[0] >= 250 {
			continue
		}
		code = append(code, digits[buf[0]%10])
	}
	return string(code), nil
}

func (g *Generator) timestampCode() string {
	mod := int64(1)
	for i := 0; i < FallbackLength; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", FallbackLength, g.now().UnixMicro()%mod)
}

// Valid reports whether s looks like a code this package could have produced.
func Valid(s string) bool {
	if len(s) != DefaultLength && len(s) != FallbackLength {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
