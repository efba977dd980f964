package nvm

import "fmt"

// Layout hands out contiguous word ranges in claim order. Offsets are
// assigned once at process start and never move.
type Layout struct {
	next int
	size int
}

// NewLayout starts allocating at start within a store of size words.
func NewLayout(start, size int) *Layout {
	return &Layout{next: start, size: size}
}

// Claim reserves words and returns the first offset of the range.
func (l *Layout) Claim(words int) (int, error) {
	if words < 0 || l.next+words > l.size {
		return 0, fmt.Errorf("%w: need %d words at %d, size %d", ErrLayoutFull, words, l.next, l.size)
	}
	off := l.next
	l.next += words
	return off, nil
}

// Cursor returns the next unclaimed offset.
func (l *Layout) Cursor() int {
	return l.next
}
