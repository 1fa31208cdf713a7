package orchestrator

import (
	"log/slog"
	"net"
	"strconv"

	"github.com/loykin/pgdesk/internal/runtimecfg"
)

// State is a step of the ensure state machine.
type State string

const (
	StateColdStart         State = "COLD_START"
	StateResolvingPaths    State = "RESOLVING_PATHS"
	StateLoadingConfig     State = "LOADING_CONFIG"
	StateFirstRunInit      State = "FIRST_RUN_INIT"
	StateVerifyingExisting State = "VERIFYING_EXISTING"
	StateRecovering        State = "RECOVERING"
	StateAllocatingPort    State = "ALLOCATING_PORT"
	StateStarting          State = "STARTING"
	StateReady             State = "READY"
	StateFailed            State = "FAILED"
)

// ConnectionInfo is what the host needs to reach the database.
type ConnectionInfo struct {
	Host             string             `json:"host"`
	Port             int                `json:"port"`
	Database         string             `json:"database"`
	User             string             `json:"user"`
	PasswordRef      string             `json:"passwordRef"`
	RunMode          runtimecfg.RunMode `json:"runMode"`
	ConnectionString string             `json:"connectionString"`
}

// Addr is host:port.
func (c ConnectionInfo) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// LogValue keeps the connection string, which embeds the password, out of logs.
func (c ConnectionInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", c.Host),
		slog.Int("port", c.Port),
		slog.String("database", c.Database),
		slog.String("user", c.User),
		slog.String("run_mode", string(c.RunMode)),
	)
}
