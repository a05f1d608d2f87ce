package session

import "errors"

// CommandError rejects a command that is illegal in the current state or
// whose precondition is missing. It is shown to the requester as is and
// never indicates a defect.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string { return e.Reason }

// IsCommandError reports whether err is or wraps a CommandError.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

func reject(reason string) error { return &CommandError{Reason: reason} }

const (
	reasonStarting     = "starting recorder now"
	reasonSaving       = "saving record now"
	reasonRecording    = "recording now"
	reasonNotRecording = "not recording. please start."
	reasonNoVoice      = "please connect to voice channel"
)

// transientError rejects every command while a start or stop is in flight.
func transientError(k Kind) error {
	switch k {
	case Starting:
		return reject(reasonStarting)
	case Saving:
		return reject(reasonSaving)
	}
	return nil
}
