// Package audio transcribes uploaded speech, synthesizes spoken replies and
// keeps the synthesized files around for download.
package audio

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

var (
	ErrValidation    = errors.New("invalid audio file")
	ErrTranscription = errors.New("transcription failed")
	ErrSynthesis     = errors.New("speech synthesis failed")
	ErrNotFound      = errors.New("audio not found")

	ErrTooLarge          = fmt.Errorf("%w: file too large", ErrValidation)
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported format", ErrValidation)
)

// Validator checks uploads before they are sent for transcription.
type Validator struct {
	// MaxSize is the largest accepted upload in bytes.
	MaxSize int64
	// Formats are the accepted lowercase extensions, without the dot.
	Formats []string
}

func (v Validator) Validate(filename string, size int64) error {
	if size > v.MaxSize {
		return fmt.Errorf("%w, maximum is %.1fMB", ErrTooLarge, v.MaxSizeMB())
	}
	if !slices.Contains(v.Formats, extension(filename)) {
		return fmt.Errorf("%w, use one of %s", ErrUnsupportedFormat, strings.Join(v.Formats, ", "))
	}
	return nil
}

// MaxSizeMB is MaxSize in mebibytes.
func (v Validator) MaxSizeMB() float64 {
	return float64(v.MaxSize) / (1024 * 1024)
}

// extension returns the lowercase extension of filename without the dot, or
// "" when there is none.
func extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}
