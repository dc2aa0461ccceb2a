package services

import (
	"errors"
	"math/rand/v2"
)

const charLookup = "1234567890qwertyuiopasdfghjklzxcvbnmQWERTYUIOPASDFGHJKLZXCVBNM"

// RandomService generates random strings and remembers the last one.
type RandomService struct {
	last *string
}

func (s *RandomService) CreateRandomString(length int) (map[string]any, error) {
	if length < 0 {
		return nil, errors.New("length must not be negative")
	}
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = charLookup[rand.IntN(len(charLookup))]
	}
	created := string(buf)
	s.last = &created
	return map[string]any{
		"created": created,
		"length":  length,
	}, nil
}

// LastRandomString returns nil until a string has been created.
func (s *RandomService) LastRandomString() *string {
	return s.last
}
