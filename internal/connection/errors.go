package connection

import (
	"errors"
	"fmt"
)

// Code is a stable discriminator attached to errors that callers branch on,
// distinct from the underlying I/O error text.
type Code string

// CodeDirectoryNotFound tags a reconnection failure caused by the saved
// working directory no longer existing on the remote host. Callers use it to
// offer recreating the directory instead of retrying blindly.
const CodeDirectoryNotFound Code = "DIRECTORY_NOT_FOUND"

// Error wraps an underlying failure with a Code.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the Code from err's chain, or "" when untagged.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
