package cmd

import "fmt"

// InvalidTargetError indicates a scan target that is not an http(s) URL or host.
type InvalidTargetError struct {
	Target string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid target %q: expected an http(s) URL or host name", e.Target)
}
