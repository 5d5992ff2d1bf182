package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Driver-specific substrings that signal a unique constraint violation,
// for drivers that bypass gorm's error translation.
var duplicateKeyMarkers = []string{
	"duplicate key value violates unique constraint", // postgres 23505
	"Error 1062",                                     // mysql
	"UNIQUE constraint failed",                       // sqlite
}

// IsDuplicateKeyErr reports whether err is a unique constraint
// violation on any of the supported dialects. The outbox relies on it
// to treat replayed dedupe keys as already recorded.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, marker := range duplicateKeyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
