package transcode

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures. The set is closed: every error returned
// by this package carries exactly one of these, and callers map them to
// stable error codes.
type Kind string

const (
	// KindValidation covers rejected argument lists and output formats.
	// Nothing has been spawned when this is returned.
	KindValidation Kind = "INVALID_OPTIONS_ERROR"
	// KindTimeout means the transcoder exceeded the wall-clock limit and
	// was force-killed.
	KindTimeout Kind = "PROCESSING_TIMEOUT"
	// KindExecution means the transcoder ran and exited nonzero.
	KindExecution Kind = "FFMPEG_ERROR"
	// KindToolNotFound means the transcoder binary is missing, an
	// environment fault rather than a bad request.
	KindToolNotFound Kind = "TOOL_NOT_FOUND"
)

// Error is the single error type produced by the pipeline.
type Error struct {
	Kind    Kind
	Message string

	// Token is the offending argument for validation failures.
	Token string
	// ExitCode and Stderr are populated for execution failures. Stderr is
	// raw transcoder output, useful for debugging but never parsed.
	ExitCode int
	Stderr   string

	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf extracts the failure kind from any error in a wrap chain. It
// returns an empty Kind for errors that didn't come from this package.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func validationError(message, token string) *Error {
	return &Error{Kind: KindValidation, Message: message, Token: token}
}
