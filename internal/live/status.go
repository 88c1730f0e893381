package live

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/Napageneral/commsledger/internal/config"
)

type SourceLiveStatus struct {
	Source        string `json:"source"`
	Type          string `json:"type"`
	Enabled       bool   `json:"enabled"`
	Supported     bool   `json:"supported"`
	Status        string `json:"status,omitempty"`
	LastHeartbeat *int64 `json:"last_heartbeat,omitempty"`
	LastRun       *int64 `json:"last_run,omitempty"`
	LastFile      string `json:"last_file,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	Restarts      int    `json:"restarts,omitempty"`
}

func GetStatuses(ctx context.Context, db *sql.DB, cfg *config.Config) ([]SourceLiveStatus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var names []string
	for name := range cfg.Sources {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]SourceLiveStatus, 0, len(names))
	for _, name := range names {
		sc := cfg.Sources[name]
		st, err := readLiveState(ctx, db, name)
		if err != nil {
			return nil, err
		}
		out = append(out, SourceLiveStatus{
			Source:        name,
			Type:          sc.Type,
			Enabled:       sc.Live != nil && sc.Live.Enabled,
			Supported:     LiveSupported(sc.Type),
			Status:        st.status,
			LastHeartbeat: st.lastHeartbeat,
			LastRun:       st.lastRun,
			LastFile:      st.lastFile,
			LastError:     st.lastError,
			Restarts:      st.restarts,
		})
	}
	return out, nil
}
