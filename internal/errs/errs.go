// Package errs holds the sentinel errors shared by the store, playback and negotiation layers.
package errs

import "errors"

var (
	ErrNotFound            = errors.New("document not found")
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomLocked          = errors.New("room is locked")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrTransactionConflict = errors.New("transaction conflict: retries exhausted")
	ErrNotHost             = errors.New("only the host can do that")
	ErrLiveNotAllowed      = errors.New("live reactions are not allowed for this participant")
	ErrStaleSignal         = errors.New("stale signal")
	ErrInvalidIndex        = errors.New("queue index out of range")
)

// classified ties a specific error to a broader class so errors.Is matches both.
type classified struct {
	err   error
	class error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Is(target error) bool { return target == c.class }

func (c *classified) Unwrap() error { return c.err }

// Classify marks host-check failures and exhausted transactions as PermissionDenied-class.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) {
		return err
	}
	if errors.Is(err, ErrNotHost) || errors.Is(err, ErrTransactionConflict) || errors.Is(err, ErrLiveNotAllowed) {
		return &classified{err: err, class: ErrPermissionDenied}
	}
	return err
}

// IsJoinFatal reports whether a join failure must send the user out of the room.
func IsJoinFatal(err error) bool {
	return errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrRoomLocked) || errors.Is(err, ErrPermissionDenied)
}
