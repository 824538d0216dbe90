package purchase

import "fmt"

// MutationError reports a rejected or failed purchase or reservation. The
// optimistic cache change has already been rolled back when it is returned.
type MutationError struct {
	Op         string
	ProductID  string
	StatusCode int
	// Message is the server's explanation, or a generic one when the server
	// gave none.
	Message string
	Err     error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.ProductID, e.Message)
}

func (e *MutationError) Unwrap() error { return e.Err }
