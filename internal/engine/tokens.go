package engine

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// DefaultTokenLength gives roughly 190 bits of entropy with the nanoid
// alphabet.
const DefaultTokenLength = 32

// TokenIssuer creates resume tokens. Tokens must be unique and unguessable.
type TokenIssuer interface {
	NewToken() (string, error)
}

// NanoidTokenIssuer issues URL-safe random tokens.
type NanoidTokenIssuer struct {
	Length int
}

func (i NanoidTokenIssuer) NewToken() (string, error) {
	n := i.Length
	if n <= 0 {
		n = DefaultTokenLength
	}
	return gonanoid.New(n)
}
