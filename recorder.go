package rttvar

// recorder.go writes the per-event logs analysed offline: one line per packet
// sent into <result>/sent_ms.dat, one per packet received into
// <result>/received_ms.dat, each of the form
//
//	[<ms>] SourceIDTag: <id>, size: <bytes>

import (
	"fmt"
	"os"
	"path/filepath"
)

// RecordRole selects the log a FlowRecorder entry goes to
type RecordRole int

const (
	RoleSent RecordRole = iota
	RoleReceived
)

// fileName is the name of the log for the role
func (rr RecordRole) fileName() string {
	if rr == RoleSent {
		return "sent_ms.dat"
	}
	return "received_ms.dat"
}

// String returns the role's name
func (rr RecordRole) String() string {
	if rr == RoleSent {
		return "sent"
	}
	return "received"
}

// Recorder is what sources and sinks log their events through
type Recorder interface {
	Record(role RecordRole, timestampMs int64, sourceID uint32, size int) error
}

// FlowRecorder appends entries to the two logs of a result directory.  Each file
// is opened once, in append mode, on its first entry
type FlowRecorder struct {
	dir   string
	files map[RecordRole]*os.File
}

// CreateFlowRecorder is a constructor.  Nothing is opened until the first Record
func CreateFlowRecorder(dir string) *FlowRecorder {
	return &FlowRecorder{dir: dir, files: make(map[RecordRole]*os.File)}
}

// LogPath is where entries of the given role are written
func (fr *FlowRecorder) LogPath(role RecordRole) string {
	return filepath.Join(fr.dir, role.fileName())
}

// Record appends one entry.  A failed write is returned, not retried
func (fr *FlowRecorder) Record(role RecordRole, timestampMs int64, sourceID uint32, size int) error {
	fd, present := fr.files[role]
	if !present {
		var err error
		fd, err = os.OpenFile(fr.LogPath(role), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		fr.files[role] = fd
	}
	_, err := fmt.Fprintf(fd, "[%d] SourceIDTag: %d, size: %d\n", timestampMs, sourceID, size)
	return err
}

// Close closes every open log
func (fr *FlowRecorder) Close() error {
	errs := []error{}
	for role, fd := range fr.files {
		errs = append(errs, fd.Close())
		delete(fr.files, role)
	}
	return ReportErrs(errs)
}

// RemoveLogs deletes logs left in the directory by an earlier run
func (fr *FlowRecorder) RemoveLogs() error {
	errs := []error{}
	for _, role := range []RecordRole{RoleSent, RoleReceived} {
		if err := os.Remove(fr.LogPath(role)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return ReportErrs(errs)
}

// milliseconds converts simulation seconds to the integer milliseconds the logs use
func milliseconds(seconds float64) int64 {
	return int64(seconds * 1000.0)
}
