package transfer

import (
	"fmt"
	"strings"
)

// TransferError records the failure of a single artefact transfer.
type TransferError struct {
	Op          Op
	Source      string
	Destination string
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s -> %s: %v", e.Op, e.Source, e.Destination, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// PartialSyncError aggregates the transfers that failed during a tree
// operation. Every other transfer of the operation completed.
type PartialSyncError struct {
	Op     Op
	Errors []*TransferError
}

func (e *PartialSyncError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d transfer(s) failed", e.Op, len(e.Errors))
	for _, te := range e.Errors {
		b.WriteString("\n  ")
		b.WriteString(te.Error())
	}
	return b.String()
}

// Unwrap exposes the individual transfer errors to errors.Is and errors.As.
func (e *PartialSyncError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, te := range e.Errors {
		errs[i] = te
	}
	return errs
}
