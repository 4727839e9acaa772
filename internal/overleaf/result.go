package overleaf

import "errors"

// ErrInvalidState is returned when a session operation is called out of order.
var ErrInvalidState = errors.New("overleaf: operation not valid in current session state")

// ErrorKind classifies a failed Result.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindConfig
	KindAuth
	KindDownload
	KindPersist
	KindUpload
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindDownload:
		return "download"
	case KindPersist:
		return "persist"
	case KindUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// Result is the outcome of a login or download. Failures are values, not
// errors, so callers can keep going with the next project.
type Result struct {
	OK      bool
	Kind    ErrorKind
	Message string
	Err     error
}

func success(msg string) Result {
	return Result{OK: true, Kind: KindNone, Message: msg}
}

func failure(kind ErrorKind, msg string, err error) Result {
	return Result{Kind: kind, Message: msg, Err: err}
}

// StatusFunc receives human-readable progress lines. A nil StatusFunc is valid.
type StatusFunc func(string)

func (f StatusFunc) emit(msg string) {
	if f != nil {
		f(msg)
	}
}
