// Package fault classifies lifecycle failures of the embedded database.
//
// Every component returns a *Error carrying a Kind instead of letting raw OS
// or tool errors cross package boundaries. The orchestrator is the single
// place that decides, by Kind, whether a failure blocks application startup
// or is logged and tolerated.
//
// A *Error holds three levels of information for the host's dialog:
//   - Message: what went wrong, in plain language
//   - Fix: the suggested next step (free a port, run as administrator, reinstall)
//   - Err: the raw cause, written to the log and never shown in the dialog body
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Kind names a failure class. The string values are part of the host contract.
type Kind string

const (
	EnvironmentUnresolved Kind = "ENVIRONMENT_UNRESOLVED"
	BinaryNotFound        Kind = "BINARY_NOT_FOUND"
	NoFreePort            Kind = "NO_FREE_PORT"
	PermissionDenied      Kind = "PERMISSION_DENIED"
	InitProcessFailed     Kind = "INIT_PROCESS_FAILED"
	StartFailedCorruption Kind = "START_FAILED_CORRUPTION"
	StartTimeout          Kind = "START_TIMEOUT"
	StopFailed            Kind = "STOP_FAILED"
	ElevationRequired     Kind = "ELEVATION_REQUIRED"
	ConfigUnsupported     Kind = "CONFIG_UNSUPPORTED"
	RecoveryDeclined      Kind = "RECOVERY_DECLINED"
	Locked                Kind = "LOCKED"
	Internal              Kind = "INTERNAL"
)

// defaultFix is the suggested next step shown when the caller did not supply one.
var defaultFix = map[Kind]string{
	EnvironmentUnresolved: "Reinstall the application.",
	BinaryNotFound:        "Repair or reinstall the application; bundled database files are missing.",
	NoFreePort:            "Close other software using these ports and restart the application.",
	PermissionDenied:      "Run the application as administrator or fix the permissions of the data folder.",
	InitProcessFailed:     "Check free disk space and restart the application.",
	StartFailedCorruption: "The local database needs repair. Contact support before deleting any data.",
	StartTimeout:          "Restart the computer and open the application again.",
	StopFailed:            "Restart the computer before opening the application again.",
	ElevationRequired:     "Right-click the application and choose \"Run as administrator\".",
	ConfigUnsupported:     "Update the application to the latest version.",
	RecoveryDeclined:      "Contact support to recover the existing data.",
	Locked:                "Another copy of the application is starting. Wait a moment and try again.",
	Internal:              "Restart the application. If the problem persists, contact support.",
}

// Error is a classified lifecycle failure.
type Error struct {
	Kind    Kind
	Op      string // component operation, e.g. "cluster.initialize"
	Message string
	Fix     string
	Err     error
}

// New builds a classified error. err may be nil.
func New(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// Newf is New with a formatted message and no wrapped cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so that errors.Is(err, fault.Of(fault.NoFreePort)) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithFix returns e with a specific suggested next step.
func (e *Error) WithFix(fix string) *Error {
	e.Fix = fix
	return e
}

// SuggestedFix returns the explicit fix or the default for the kind.
func (e *Error) SuggestedFix() string {
	if e.Fix != "" {
		return e.Fix
	}
	return defaultFix[e.Kind]
}

// Of returns a sentinel usable as an errors.Is target.
func Of(kind Kind) error { return &Error{Kind: kind} }

// KindOf extracts the Kind from err. Unclassified errors report Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Wrap classifies err unless it is already classified.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// Recoverable reports whether the user can fix the failure without reinstalling.
func Recoverable(kind Kind) bool {
	switch kind {
	case EnvironmentUnresolved, BinaryNotFound, ConfigUnsupported:
		return false
	default:
		return true
	}
}

var (
	colorError = color.New(color.FgRed, color.Bold)
	colorFix   = color.New(color.FgGreen)
)

// Format renders the dialog body: plain-language message and suggested fix.
// The raw cause is deliberately left out; it belongs in the log file.
func (e *Error) Format(noColor bool) string {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	if e.Message != "" {
		out.WriteString(e.Message)
	} else {
		out.WriteString(string(e.Kind))
	}
	out.WriteString("\n")
	if fix := e.SuggestedFix(); fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(fix)
		out.WriteString("\n")
	}
	return out.String()
}

// JSON is the host-facing representation of a failure. Recoverable tells
// the host whether offering a retry makes sense.
type JSON struct {
	Kind        Kind   `json:"errorKind"`
	Message     string `json:"message"`
	Fix         string `json:"fix,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// ToJSON converts err for the host bridge; unclassified errors become Internal.
func ToJSON(err error) JSON {
	var fe *Error
	if errors.As(err, &fe) {
		msg := fe.Message
		if msg == "" {
			msg = string(fe.Kind)
		}
		return JSON{Kind: fe.Kind, Message: msg, Fix: fe.SuggestedFix(), Recoverable: Recoverable(fe.Kind)}
	}
	return JSON{Kind: Internal, Message: err.Error(), Fix: defaultFix[Internal], Recoverable: Recoverable(Internal)}
}

// MarshalJSON lets a *Error be embedded directly in API responses.
func (e *Error) MarshalJSON() ([]byte, error) { return json.Marshal(ToJSON(e)) }
