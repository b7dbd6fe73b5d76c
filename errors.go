package gigavector

import (
	"errors"
	"fmt"

	"github.com/jaywyawhare/gigavector/pkg/index"
	"github.com/jaywyawhare/gigavector/pkg/snapshot"
	"github.com/jaywyawhare/gigavector/pkg/vecstore"
	"github.com/jaywyawhare/gigavector/pkg/wal"
)

// ErrorKind classifies a GigaVectorError, mirroring the conceptual error
// taxonomy of spec §7 so callers can branch on failure category without
// string matching.
type ErrorKind int

const (
	InvalidArgument ErrorKind = iota
	NotFound
	Deleted
	CapacityExceeded
	NotTrained
	UnsupportedVersion
	CorruptSnapshot
	WalCorrupt
	Io
	OutOfMemory
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case Deleted:
		return "deleted"
	case CapacityExceeded:
		return "capacity_exceeded"
	case NotTrained:
		return "not_trained"
	case UnsupportedVersion:
		return "unsupported_version"
	case CorruptSnapshot:
		return "corrupt_snapshot"
	case WalCorrupt:
		return "wal_corrupt"
	case Io:
		return "io"
	case OutOfMemory:
		return "out_of_memory"
	default:
		return "unknown"
	}
}

// GigaVectorError wraps a failure with the operation it occurred in and its
// Kind, adapted from the teacher's StoreError (errors.go): same Op/Err
// wrapping and Is/Unwrap shape, with an added Kind field since this engine's
// error taxonomy (spec §7) is richer than the teacher's single error chain.
type GigaVectorError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *GigaVectorError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("gigavector: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("gigavector: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *GigaVectorError) Unwrap() error { return e.Err }

func (e *GigaVectorError) Is(target error) bool {
	var other *GigaVectorError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return errors.Is(e.Err, target)
}

func newErr(op string, kind ErrorKind, err error) *GigaVectorError {
	return &GigaVectorError{Op: op, Kind: kind, Err: err}
}

func wrapErr(op string, kind ErrorKind, format string, args ...any) *GigaVectorError {
	return &GigaVectorError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// classifyStoreErr maps a pkg/vecstore.Error onto the public taxonomy.
func classifyStoreErr(op string, err error) error {
	var se *vecstore.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case vecstore.ErrCapacityExceeded:
			return newErr(op, CapacityExceeded, err)
		case vecstore.ErrNotFound:
			return newErr(op, NotFound, err)
		case vecstore.ErrDeleted:
			return newErr(op, Deleted, err)
		case vecstore.ErrInvalidArgument:
			return newErr(op, InvalidArgument, err)
		}
	}
	return newErr(op, Io, err)
}

// classifyIndexErr maps index-backend failures onto the public taxonomy.
func classifyIndexErr(op string, err error) error {
	if errors.Is(err, index.ErrNotTrained) {
		return newErr(op, NotTrained, err)
	}
	return newErr(op, InvalidArgument, err)
}

// classifyWalErr maps pkg/wal failures onto the public taxonomy.
func classifyWalErr(op string, err error) error {
	switch {
	case errors.Is(err, wal.ErrBadMagic), errors.Is(err, wal.ErrBadVersion),
		errors.Is(err, wal.ErrDimMismatch), errors.Is(err, wal.ErrKindMismatch),
		errors.Is(err, wal.ErrCorrupt):
		return newErr(op, WalCorrupt, err)
	default:
		return newErr(op, Io, err)
	}
}

// classifySnapshotErr maps pkg/snapshot failures onto the public taxonomy.
func classifySnapshotErr(op string, err error) error {
	switch {
	case errors.Is(err, snapshot.ErrBadMagic), errors.Is(err, snapshot.ErrUnsupportedVersion):
		return newErr(op, UnsupportedVersion, err)
	case errors.Is(err, snapshot.ErrCorrupt), errors.Is(err, snapshot.ErrTruncated):
		return newErr(op, CorruptSnapshot, err)
	default:
		return newErr(op, Io, err)
	}
}
