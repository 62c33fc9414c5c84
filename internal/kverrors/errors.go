// Package kverrors defines the store's typed error taxonomy: IO errors are
// propagated by plain %w-wrapping (no dedicated type — errors.Is/As already
// make stdlib wrapping sufficient), structural Tree errors carry the page
// id where the invariant violation was observed, and Other covers residual
// conditions such as flush failures.
package kverrors

import "fmt"

// TreeError signals a violated B-tree structural invariant or a missing
// referenced page, scoped to the page where it was detected.
type TreeError struct {
	PageID  uint32
	Message string
}

func (e *TreeError) Error() string {
	return fmt.Sprintf("Tree error (page: %d): '%s'.", e.PageID, e.Message)
}

// NewTreeError builds a TreeError with a formatted message.
func NewTreeError(pageID uint32, format string, args ...any) error {
	return &TreeError{PageID: pageID, Message: fmt.Sprintf(format, args...)}
}

// OtherError covers conditions that don't fit IO or Tree, such as a flush
// that could not locate one of its dirty ids.
type OtherError struct {
	Message string
}

func (e *OtherError) Error() string {
	return fmt.Sprintf("Other error: '%s'.", e.Message)
}

// NewOtherError builds an OtherError with a formatted message.
func NewOtherError(format string, args ...any) error {
	return &OtherError{Message: fmt.Sprintf(format, args...)}
}
