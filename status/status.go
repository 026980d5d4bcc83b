// Package status holds the loader error taxonomy and its numeric status codes.
package status

import "errors"

var (
	// ErrBadFormat occurs when an image fails structural checks: bad magic, truncated header tables, wrong target.
	ErrBadFormat = errors.New("bad image format")
	// ErrCorrupt occurs when an image is structurally plausible but internally inconsistent.
	ErrCorrupt = errors.New("corrupt image")
	// ErrOutOfMemory occurs when a descriptor table or the region service is exhausted.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrNotFound occurs on a symbol, dependency or handle lookup miss.
	ErrNotFound = errors.New("not found")
	// ErrNoStandardLibrary occurs when the bootstrap library is not part of the dependency set.
	ErrNoStandardLibrary = errors.New("bootstrap library not present")
	// ErrLinkErrors occurs when one or more relocations could not be resolved.
	ErrLinkErrors = errors.New("unresolved relocations")
	// ErrForeignInterpreter occurs when an image asks for another program interpreter.
	ErrForeignInterpreter = errors.New("image requests foreign interpreter")
	// ErrInvalid occurs when a caller passes an unusable argument.
	ErrInvalid = errors.New("invalid argument")
)

// Code is the numeric status returned to callers which cannot carry Go errors.
type Code int

const (
	OK Code = -iota
	BadFormat
	Corrupt
	OutOfMemory
	NotFound
	NoStandardLibrary
	LinkErrors
	ForeignInterpreter
	Invalid
	Unknown
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrBadFormat, BadFormat},
	{ErrCorrupt, Corrupt},
	{ErrOutOfMemory, OutOfMemory},
	{ErrNotFound, NotFound},
	{ErrNoStandardLibrary, NoStandardLibrary},
	{ErrLinkErrors, LinkErrors},
	{ErrForeignInterpreter, ForeignInterpreter},
	{ErrInvalid, Invalid},
}

// Of maps err onto its status code. A nil error is OK, anything outside the taxonomy is Unknown.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return Unknown
}

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case Unknown:
		return "unknown error"
	}
	for _, x := range codes {
		if x.code == c {
			return x.err.Error()
		}
	}
	return "unknown error"
}
