// internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Business errors.
var (
	// Headset errors.
	ErrHeadsetNotFound = errors.New("headset not found")
	ErrHeadsetBusy     = errors.New("headset is busy")
	ErrQueueFull       = errors.New("headset task queue full")
	ErrQueueStopped    = errors.New("headset task queue stopped")
	ErrUnknownTask     = errors.New("unknown task kind")

	// Application errors.
	ErrPackageAbsent  = errors.New("package not installed")
	ErrInstallFailed  = errors.New("package install failed")
	ErrNoMainActivity = errors.New("main activity not resolved")

	// Content errors.
	ErrManifestAbsent       = errors.New("manifest absent")
	ErrManifestEmpty        = errors.New("manifest payload empty")
	ErrSolutionNotInLibrary = errors.New("solution not in library")
	ErrLibraryEntryExists   = errors.New("library entry already exists")
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// BridgeError is returned by every failed bridge call.
// ExitCode is the remote command status when the command ran, or -1 when the
// transport itself failed (device offline, unauthorized, timeout).
type BridgeError struct {
	Op       string
	Serial   string
	ExitCode int
	Output   string
	Err      error
}

func (e *BridgeError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("bridge %s on %s: exit status %d: %v", e.Op, e.Serial, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("bridge %s on %s: %v", e.Op, e.Serial, e.Err)
}

func (e *BridgeError) Unwrap() error { return e.Err }

// Remote reports whether the command reached the device and failed there.
func (e *BridgeError) Remote() bool { return e.ExitCode > 0 }

// IsRemoteFailure reports whether err is a BridgeError raised by the remote command itself.
func IsRemoteFailure(err error) bool {
	var bridgeErr *BridgeError
	return errors.As(err, &bridgeErr) && bridgeErr.Remote()
}

// DecodeError reports a manifest that could not be decoded.
type DecodeError struct {
	Stage string // base64, json or empty
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("manifest decode (%s): %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PartialTransferError reports a single file that failed during a push or pull.
type PartialTransferError struct {
	Direction string
	Solution  string
	File      string
	Err       error
}

func (e *PartialTransferError) Error() string {
	return fmt.Sprintf("%s %s: file %s: %v", e.Direction, e.Solution, e.File, e.Err)
}

func (e *PartialTransferError) Unwrap() error { return e.Err }
