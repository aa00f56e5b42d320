/*
 * RemoteHub
 *
 * Error kinds surfaced to the embedder
 */

// Package rherr defines the enumerated error kinds that the RemoteHub
// core returns to its embedder, mirroring the original implementation's
// enum rh_error_status.
package rherr

import "fmt"

// Kind is an enumerated error kind, surfaced to the embedder at
// startup and, for runtime faults, through the subscription surface.
type Kind int

// Error kinds, one per original enum rh_error_status member.
const (
	OK Kind = iota
	JSONConfigRead
	InitGeneric
	InitTimer
	InitBeacon
	InitUSB
	InitHost
	InitInterface
	InitManager
	InitHandler
	Permission
	CertPathNotDefined
	KeyPathNotDefined
	CAPathNotDefined
	KeyPassNotDefined
	VHCIDriver
)

var kindStrings = map[Kind]string{
	OK:                 "ok",
	JSONConfigRead:     "failed to read JSON configuration",
	InitGeneric:        "initialization failed",
	InitTimer:          "failed to start timer task",
	InitBeacon:         "failed to start beacon task",
	InitUSB:            "failed to start USB task",
	InitHost:           "failed to start host task",
	InitInterface:      "failed to start interface task",
	InitManager:        "failed to start manager task",
	InitHandler:        "event handler failed",
	Permission:         "operation requires root privileges",
	CertPathNotDefined: "certificate path is not defined",
	KeyPathNotDefined:  "key path is not defined",
	CAPathNotDefined:   "CA path is not defined",
	KeyPassNotDefined:  "key password is not defined",
	VHCIDriver:         "VHCI driver sysfs path is missing",
}

// String returns the fixed human-readable string for the kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown error"
}

// Fault pairs an error Kind with the underlying error, if any.
type Fault struct {
	Kind Kind
	Err  error
}

// New creates a Fault of the given kind, optionally wrapping err.
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Err)
	}
	return f.Kind.String()
}

// Unwrap supports errors.Is/errors.As against the wrapped error.
func (f *Fault) Unwrap() error {
	return f.Err
}
