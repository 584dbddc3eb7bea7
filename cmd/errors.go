package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/marcus/tally/internal/db"
	"github.com/marcus/tally/internal/engine"
	"github.com/marcus/tally/internal/output"
	tsync "github.com/marcus/tally/internal/sync"
	"github.com/marcus/tally/internal/syncclient"
)

// reportedError marks an error the command already printed.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// errorCode classifies err for JSON output.
func errorCode(err error) string {
	var te *syncclient.TransportError
	switch {
	case errors.Is(err, db.ErrNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, db.ErrDuplicateKey):
		return output.ErrCodeDuplicateKey
	case errors.Is(err, db.ErrMissingID), errors.Is(err, db.ErrUnknownCollection),
		errors.Is(err, db.ErrUnknownIndex), errors.Is(err, engine.ErrWipeNotConfirmed):
		return output.ErrCodeInvalidInput
	case errors.Is(err, tsync.ErrOffline), errors.Is(err, engine.ErrNoRemote):
		return output.ErrCodeOffline
	case errors.As(err, &te):
		return output.ErrCodeSyncError
	default:
		return output.ErrCodeStoreError
	}
}

// fail prints err in the output mode cmd was asked for and marks it reported.
func fail(cmd *cobra.Command, err error) error {
	if jsonOutput(cmd) {
		output.JSONError(errorCode(err), err.Error())
	} else {
		output.Error("%v", err)
	}
	return &reportedError{err: err}
}

// usageError is an invalid-input failure built from a message.
func usageError(cmd *cobra.Command, msg string) error {
	err := errors.New(msg)
	if jsonOutput(cmd) {
		output.JSONError(output.ErrCodeInvalidInput, msg)
	} else {
		output.Error("%s", msg)
	}
	return &reportedError{err: err}
}
