package session

import "fmt"

// VersionMismatchError is returned by Acquire when the server's reported
// version differs from the version recorded in the configuration. Callers
// reusing saved configurations treat this as "config is stale" rather than a
// hard failure.
type VersionMismatchError struct {
	ClientVersion string
	ServerVersion string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("server version %q does not match expected version %q",
		e.ServerVersion, e.ClientVersion)
}
