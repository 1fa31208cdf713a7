package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loykin/pgdesk/internal/fault"
)

const tailLimit = 64 << 10

// corruptionPatterns are server log fragments that mean the cluster itself
// is damaged, as opposed to an environment problem.
var corruptionPatterns = []string{
	"corrupt",
	"invalid checkpoint record",
	"could not locate a valid checkpoint",
	"invalid data in file",
	"invalid magic number",
	"incorrect checksum in control file",
	"PANIC",
}

// diskFullPatterns win over corruptionPatterns: the server PANICs on a full
// disk too, and that data is intact.
var diskFullPatterns = []string{
	"No space left on device",
	"could not extend file",
}

// logVerdict is what a startup log says about a failed start.
type logVerdict int

const (
	logUnknown logVerdict = iota
	logCorrupt
	logDiskFull
)

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// readTail returns what the log gained since offset, at most tailLimit bytes.
// A negative offset reads the end of the file.
func readTail(path string, offset int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	size := fileSize(path)
	if offset < 0 || offset > size || size-offset > tailLimit {
		offset = max(size-tailLimit, 0)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(f, tailLimit))
	return string(b)
}

// classifyLog reads the startup log and returns its verdict with the line
// to show the user.
func classifyLog(tail string) (logVerdict, string) {
	lines := strings.Split(strings.ReplaceAll(tail, "\r\n", "\n"), "\n")
	if l, ok := findLine(lines, diskFullPatterns); ok {
		return logDiskFull, l
	}
	if l, ok := findLine(lines, corruptionPatterns); ok {
		return logCorrupt, l
	}
	return logUnknown, lastLine(tail)
}

func findLine(lines, patterns []string) (string, bool) {
	for _, l := range lines {
		for _, p := range patterns {
			if strings.Contains(l, p) {
				return strings.TrimSpace(l), true
			}
		}
	}
	return "", false
}

func (s *Supervisor) classifyStartFailure(op string, offset int64, p int, cause error) error {
	tail := readTail(s.Layout.ServerLogFile, offset)
	verdict, line := classifyLog(tail)
	switch verdict {
	case logCorrupt:
		s.Logger.Error("database server reports a damaged cluster", "port", p, "log", line)
		return fault.New(fault.StartFailedCorruption, op, "the local database is damaged: "+line, cause)
	case logDiskFull:
		s.Logger.Error("database server stopped on a full disk", "port", p, "log", line)
		return fault.New(fault.StartTimeout, op, "the database server could not start: the disk is full", cause).
			WithFix("Free up disk space and restart the application.")
	}
	s.Logger.Error("database server did not become ready", "port", p, "log", line, "error", cause)
	if errors.Is(cause, errExited) {
		return fault.New(fault.StartTimeout, op, fmt.Sprintf("the database server stopped during startup: %s", line), cause)
	}
	return fault.New(fault.StartTimeout, op, fmt.Sprintf("the database server did not start in time on port %d: %s", p, line), cause)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")), "\n")
	for j := len(lines) - 1; j >= 0; j-- {
		if l := strings.TrimSpace(lines[j]); l != "" {
			return l
		}
	}
	return "no server output"
}
