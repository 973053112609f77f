package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a time-ordered UUIDv7, optionally prefixed with "<prefix>_".
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	value := strings.ReplaceAll(id.String(), "-", "")
	if prefix == "" {
		return value
	}
	return prefix + "_" + value
}
