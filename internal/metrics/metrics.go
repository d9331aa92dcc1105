// Package metrics records a simple operational ledger of bridge session
// activity to local CSV files. It is a thin adaptation of the teacher's
// webhook/API-call counters: instead of counting webhook deliveries and
// outgoing API calls, it counts sessions starting and ending.
package metrics

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzrikka/xdg"
)

const (
	DefaultSessionStartFile = "wsbridge_sessions_start.csv"
	DefaultSessionEndFile   = "wsbridge_sessions_end.csv"

	filePerms = xdg.NewFilePermissions
)

var (
	muStart sync.Mutex
	muEnd   sync.Mutex
)

// RecordSessionStart appends a record for a newly accepted session. dir is
// the directory the CSV file is written under (the process's working
// directory if empty), set from the CLI's --metrics-dir flag.
func RecordSessionStart(l zerolog.Logger, t time.Time, remoteAddr, dir string) {
	muStart.Lock()
	defer muStart.Unlock()

	record := []string{t.Format(time.RFC3339), remoteAddr}
	writeLineToFile(&l, filepath.Join(dir, DefaultSessionStartFile), record)
}

// RecordSessionEnd appends a record for a session that has reached the
// Dead state, including the byte counts relayed in each direction and a
// short human-readable reason for the teardown. dir is the directory the
// CSV file is written under (the process's working directory if empty).
func RecordSessionEnd(l zerolog.Logger, t time.Time, remoteAddr string, bytesIn, bytesOut int64, reason, dir string) {
	muEnd.Lock()
	defer muEnd.Unlock()

	record := []string{
		t.Format(time.RFC3339),
		remoteAddr,
		strconv.FormatInt(bytesIn, 10),
		strconv.FormatInt(bytesOut, 10),
		reason,
	}
	writeLineToFile(&l, filepath.Join(dir, DefaultSessionEndFile), record)
}

func writeLineToFile(l *zerolog.Logger, filename string, record []string) {
	if dir := filepath.Dir(filename); dir != "." {
		_ = os.MkdirAll(dir, 0o700)
	}

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerms)
	if err != nil {
		if l != nil {
			l.Error().Err(err).Str("file", filename).Msg("failed to open metrics file")
		}
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		if l != nil {
			l.Error().Err(err).Str("file", filename).Msg("failed to write metrics file")
		}
		return
	}
	w.Flush()
}
