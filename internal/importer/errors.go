package importer

import (
	"errors"
	"fmt"
)

// ErrPartialWrite marks a document whose rows could not be committed. The
// transaction was rolled back; schema additions made for it are kept.
var ErrPartialWrite = errors.New("partial write")

// CommitError reports the document whose commit failed.
type CommitError struct {
	Doc int
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("document %d: %s: %v", e.Doc, ErrPartialWrite, e.Err)
}

func (e *CommitError) Unwrap() []error { return []error{ErrPartialWrite, e.Err} }
