package admem

import "errors"

// errIs is shorthand for [errors.Is] on the sentinel taxonomy.
func errIs(err, target error) bool { return errors.Is(err, target) }

var (
	// ErrInvalid reports a malformed argument.
	ErrInvalid = errors.New("invalid argument")
	// ErrNoSpace reports that no arena of the requested type can serve
	// the allocation, or that the blob has no spare arena.
	ErrNoSpace = errors.New("no space")
	// ErrNonExistent reports an address or id with no published record.
	ErrNonExistent = errors.New("non-existent")
	// ErrExists reports a duplicate registration.
	ErrExists = errors.New("already exists")
	// ErrProtocol reports a bad magic on open.
	ErrProtocol = errors.New("protocol error")
	// ErrBusy reports a destroy while the blob is still opened.
	ErrBusy = errors.New("busy")
	// ErrCanceled reports an abort without a more specific error.
	ErrCanceled = errors.New("canceled")
	// ErrNoPermission reports an operation on a reserved internal id.
	ErrNoPermission = errors.New("no permission")
)
