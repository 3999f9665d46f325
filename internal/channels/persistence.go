package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/mvera/fedgate/internal/domain/channels"
)

// StoreToFile writes the full registry state to path as JSON. Called on
// shutdown so subscriptions survive a restart.
func (r *Registry) StoreToFile(ctx context.Context, path string) error {
	snaps := r.SnapshotAll()
	raw, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding channel state: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing channel state to %s: %w", path, err)
	}
	r.logger.Info(ctx, "Channel state stored", "path", path, "objects", len(snaps))
	return nil
}

// LoadFromFile restores registry state written by StoreToFile. A missing or
// corrupt file yields an empty registry rather than an error; losing
// subscriptions is recoverable, refusing to start is not.
func (r *Registry) LoadFromFile(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn(ctx, "Cannot read channel state, starting empty", "path", path, "error", err)
		}
		return
	}

	var snaps []channels.ObjectSnapshot
	if err := json.Unmarshal(raw, &snaps); err != nil {
		r.logger.Warn(ctx, "Corrupt channel state, starting empty", "path", path, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, snap := range snaps {
		byEid, ok := r.channels[snap.Oid]
		if !ok {
			byEid = make(map[string]*channels.Channel)
			r.channels[snap.Oid] = byEid
		}
		for _, cs := range snap.EventChannels {
			byEid[cs.Eid] = channels.NewChannel(snap.Oid, cs.Eid, cs.Subscribers...)
			restored++
		}
	}
	r.logger.Info(ctx, "Channel state restored", "path", path, "channels", restored)
}
