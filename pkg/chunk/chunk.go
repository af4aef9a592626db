// Package chunk partitions the ordered target list into bounded-size
// groups for staged processing. Pure; no side effects.
package chunk

import (
	"errors"
	"fmt"
)

// ErrInvalidSize is returned when the configured chunk size is not
// positive.
var ErrInvalidSize = errors.New("chunk size must be positive")

// Split partitions targets into chunks of at most size items, covering
// every target exactly once and preserving input order within and
// across chunks. The final chunk may be smaller. The chunks share the
// backing array of targets and must not be mutated after creation.
func Split(targets []string, size int) ([][]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	chunks := make([][]string, 0, (len(targets)+size-1)/size)
	for start := 0; start < len(targets); start += size {
		end := min(start+size, len(targets))
		chunks = append(chunks, targets[start:end:end])
	}
	return chunks, nil
}
