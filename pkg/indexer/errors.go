package indexer

import "fmt"

// CheckoutError indicates the repository could not be put on the
// requested branch (dirty working tree or unknown branch).
type CheckoutError struct {
	Repo   string
	Branch string
	Reason string
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checkout of %q on %s failed: %s", e.Branch, e.Repo, e.Reason)
}

// BuildError indicates the external indexing command exited non-zero or
// produced output the adapter could not understand.
type BuildError struct {
	Repo   string
	Reason string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("index build for %s failed: %s", e.Repo, e.Reason)
}
