package domain

import "fmt"

// FileIntegrityError reports that the watched file shrank below its last
// observed row count or otherwise violated the append-only assumption.
// The detector's stored state is left untouched when this is returned, so
// a subsequent legitimate growth is still diffed against the old count.
type FileIntegrityError struct {
	Path     string
	Expected int
	Actual   int
	Reason   string
}

func (e *FileIntegrityError) Error() string {
	return fmt.Sprintf("file integrity violation on %s: %s (expected >= %d rows, found %d)",
		e.Path, e.Reason, e.Expected, e.Actual)
}
