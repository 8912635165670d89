package media

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindDecode
	KindEncode
	KindMux
	KindResource
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindDecode:
		return "decode"
	case KindEncode:
		return "encode"
	case KindMux:
		return "mux"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error tagged with the stage it came from.
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the error must abort the export. Only decode errors
// are tolerated.
func (e *Error) Fatal() bool {
	return e.Kind != KindDecode
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err aborts the pipeline. Unclassified errors are
// fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Fatal()
	}
	return true
}

func newError(kind ErrorKind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func ConfigurationError(stage string, err error) error {
	return newError(KindConfiguration, stage, err)
}

func DecodeError(stage string, err error) error {
	return newError(KindDecode, stage, err)
}

func EncodeError(stage string, err error) error {
	return newError(KindEncode, stage, err)
}

func MuxError(stage string, err error) error {
	return newError(KindMux, stage, err)
}

func ResourceError(stage string, err error) error {
	return newError(KindResource, stage, err)
}
