package live

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/Napageneral/commsledger/internal/state"
)

const (
	keyLiveStatus        = "live_status"
	keyLiveLastHeartbeat = "live_last_heartbeat"
	keyLiveLastError     = "live_last_error"
	keyLiveRestarts      = "live_restarts"
	keyLiveLastFile      = "live_last_file"
	keyLiveLastRun       = "live_last_run"
)

// Status writes are best effort and never cancelled: a watcher shutting down
// still records "stopped".
var stateCtx = context.Background()

func setLiveStatus(db *sql.DB, source string, status string) {
	_ = state.Set(stateCtx, db, source, keyLiveStatus, status)
}

func setLiveHeartbeat(db *sql.DB, source string, t time.Time) {
	_ = state.Set(stateCtx, db, source, keyLiveLastHeartbeat, strconv.FormatInt(t.Unix(), 10))
}

func setLiveError(db *sql.DB, source string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_ = state.Set(stateCtx, db, source, keyLiveLastError, msg)
}

func setLiveLastFile(db *sql.DB, source string, file string) {
	_ = state.Set(stateCtx, db, source, keyLiveLastFile, file)
}

func setLiveLastRun(db *sql.DB, source string, t time.Time) {
	_ = state.Set(stateCtx, db, source, keyLiveLastRun, strconv.FormatInt(t.Unix(), 10))
}

func incrementLiveRestarts(db *sql.DB, source string) {
	v, ok, err := state.Get(stateCtx, db, source, keyLiveRestarts)
	if err != nil {
		return
	}
	cur := 0
	if ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cur = n
		}
	}
	_ = state.Set(stateCtx, db, source, keyLiveRestarts, strconv.Itoa(cur+1))
}

type liveState struct {
	status        string
	lastHeartbeat *int64
	lastRun       *int64
	lastError     string
	lastFile      string
	restarts      int
}

func readLiveState(ctx context.Context, db *sql.DB, source string) (liveState, error) {
	var st liveState
	kv, err := state.All(ctx, db, source)
	if err != nil {
		return st, err
	}
	st.status = kv[keyLiveStatus]
	st.lastError = kv[keyLiveLastError]
	st.lastFile = kv[keyLiveLastFile]
	st.lastHeartbeat = parseUnix(kv[keyLiveLastHeartbeat])
	st.lastRun = parseUnix(kv[keyLiveLastRun])
	if v := kv[keyLiveRestarts]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			st.restarts = n
		}
	}
	return st, nil
}

func parseUnix(v string) *int64 {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
