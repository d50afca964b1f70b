package softraid

import (
	"errors"
	"fmt"

	"github.com/seaweedfs/softraid/sr/storage/softraid/crypto"
)

var (
	// ErrTryAgain is returned when no work unit is free. It is never queued internally.
	ErrTryAgain       = errors.New("softraid: no work unit available, try again")
	ErrIllegalRequest = errors.New("softraid: illegal request")
	ErrNotReady       = errors.New("softraid: volume stopped")
	ErrVolumeOffline  = errors.New("softraid: volume offline")
	ErrVolumeClosed   = errors.New("softraid: volume closed")
	ErrIO             = errors.New("softraid: i/o error")
	ErrTransform      = errors.New("softraid: transform failed")
	ErrSyncTimeout    = errors.New("softraid: sync timed out")
	ErrQuorum         = errors.New("softraid: metadata quorum not reached")
	ErrBadPassphrase  = crypto.ErrBadPassphrase

	ErrMetadataInvalid = errors.New("softraid: invalid metadata")
	ErrBadMagic        = fmt.Errorf("%w: bad magic", ErrMetadataInvalid)
	ErrBadVersion      = fmt.Errorf("%w: unsupported version", ErrMetadataInvalid)
	ErrBadSize         = fmt.Errorf("%w: bad size", ErrMetadataInvalid)
	ErrBadChecksum     = fmt.Errorf("%w: checksum mismatch", ErrMetadataInvalid)
	ErrUUIDMismatch    = fmt.Errorf("%w: uuid mismatch", ErrMetadataInvalid)
	ErrStaleGeneration = fmt.Errorf("%w: stale generation", ErrMetadataInvalid)
	ErrBadChunkID      = fmt.Errorf("%w: bad chunk id", ErrMetadataInvalid)
)

// InvariantViolation reports an illegal chunk or volume state transition.
type InvariantViolation struct {
	Volume string
	Object string
	From   string
	To     string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("softraid: %s: invariant violation: %s %s -> %s", e.Volume, e.Object, e.From, e.To)
}

// InvariantPolicy decides what happens on an InvariantViolation.
type InvariantPolicy int

const (
	// PolicyError logs the violation, returns it and halts the volume.
	PolicyError InvariantPolicy = iota
	// PolicyAbort panics with the violation.
	PolicyAbort
)

func (p InvariantPolicy) String() string {
	if p == PolicyAbort {
		return "abort"
	}
	return "error"
}

// ParseInvariantPolicy accepts "abort" or "error".
func ParseInvariantPolicy(s string) (InvariantPolicy, error) {
	switch s {
	case "abort":
		return PolicyAbort, nil
	case "error", "":
		return PolicyError, nil
	}
	return PolicyError, fmt.Errorf("softraid: unknown invariant policy %q", s)
}
