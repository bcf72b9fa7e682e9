// Package errs defines the closed error-code enumeration every
// directory operation returns. Each code is both a switchable integer
// and a stdlib-compatible sentinel error, so callers can switch on the
// code or match it with errors.Is.
package errs

import "fmt"

// Code is one of the closed set of error codes a directory operation
// may return.
type Code int

const (
	// OK indicates success. Operations return a nil error, never
	// Code(OK), to stay idiomatic; OK exists so the enumeration is
	// complete and switchable.
	OK Code = iota
	NotFound
	NoPermission
	NameInUse
	InappropriateOp
	NotMaster
	NameTooLong
	RPCFailure
	NotADirectory
	IsADirectory
	InvalidArgs
	LongIdOverflow
	OutOfSpace
)

var names = map[Code]string{
	OK:              "ok",
	NotFound:        "notFound",
	NoPermission:    "noPermission",
	NameInUse:       "nameInUse",
	InappropriateOp: "inappropriateOp",
	NotMaster:       "notMaster",
	NameTooLong:     "nameTooLong",
	RPCFailure:      "rpcFailure",
	NotADirectory:   "notADirectory",
	IsADirectory:    "isADirectory",
	InvalidArgs:     "invalidArgs",
	LongIdOverflow:  "longIdOverflow",
	OutOfSpace:      "outOfSpace",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("errs.Code(%d)", int(c))
}

// Error implements error so a Code can be returned and compared
// directly with errors.Is against the package-level sentinels below.
func (c Code) Error() string { return c.String() }

// Sentinels, one per code, for errors.Is-style matching alongside the
// switchable Code value itself.
var (
	ErrNotFound        error = NotFound
	ErrNoPermission    error = NoPermission
	ErrNameInUse       error = NameInUse
	ErrInappropriateOp error = InappropriateOp
	ErrNotMaster       error = NotMaster
	ErrNameTooLong     error = NameTooLong
	ErrRPCFailure      error = RPCFailure
	ErrNotADirectory   error = NotADirectory
	ErrIsADirectory    error = IsADirectory
	ErrInvalidArgs     error = InvalidArgs
	ErrLongIdOverflow  error = LongIdOverflow
	ErrOutOfSpace      error = OutOfSpace
)

// FatalError marks an error that must abort the process rather than
// propagate to the RPC boundary: pool allocation failure (OOM) and
// log-commit failure (disk I/O). Recovery re-runs from the last
// checkpoint plus log.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal repository error: %s", e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// NewFatal wraps err as a FatalError, or returns nil if err is nil.
func NewFatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}
