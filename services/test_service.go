// Package services holds the demo services served by "postrpc serve".
package services

import (
	"errors"
	"fmt"
)

// TestService exercises every shape of method the server can dispatch.
type TestService struct {
	savedValue *string
}

func (s *TestService) Echo(v any) any {
	return v
}

// EchoAll returns its arguments as a list.
func (s *TestService) EchoAll(i int, d float64, str string, b bool) []any {
	return []any{i, d, str, b}
}

func (s *TestService) ReturnVoid() {}

func (s *TestService) ReturnNull() *string {
	return nil
}

// ThrowException fails with a chain of wrapped causes.
func (s *TestService) ThrowException() error {
	cause := errors.New("error cause")
	return fmt.Errorf("exception!: %w", fmt.Errorf("exception cause: %w", cause))
}

func (s *TestService) ThrowError() {
	panic("error!")
}

func (s *TestService) SaveValue(value string) {
	s.savedValue = &value
}

func (s *TestService) RetrieveValue() *string {
	return s.savedValue
}

func (s *TestService) HasValue() bool {
	return s.savedValue != nil
}

func (s *TestService) DeleteValue() {
	s.savedValue = nil
}
