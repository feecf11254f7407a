// Package debugsrv exposes optional live introspection of the bus's
// priority-table occupancy over HTTP, for engineers
// debugging arbitration behavior. It is never in the decision path of
// any adapter-core operation: every value it reports is a read-only
// snapshot.
//
// Use of this source code is governed by the license that can be found
// in the LICENSE file.
package debugsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	// registers /debug/charts and friends on http.DefaultServeMux as a
	// side effect of import.
	_ "github.com/mkevac/debugcharts"
)

// Snapshot is a point-in-time view of scheduler occupancy, supplied by
// the caller on each request rather than pushed, so the debug server
// never touches scheduler internals directly.
type Snapshot struct {
	Levels []LevelSnapshot `json:"levels"`
}

// LevelSnapshot describes one arbitration level's occupancy.
type LevelSnapshot struct {
	Name         string `json:"name"`
	PendingCount int    `json:"pending_count"`
	ActiveSlot   int    `json:"active_slot"` // -1 if nothing active
	ActiveVector uint16 `json:"active_vector,omitempty"`
}

// SnapshotFunc returns the current occupancy snapshot. Called once per
// /debug/qunibone request; implemented by the bus package, which is
// the only thing that can safely read scheduler state.
type SnapshotFunc func() Snapshot

// Serve registers the introspection endpoint and blocks serving HTTP
// on addr until ctx is cancelled, matching the other adapter-core
// long-lived goroutines' shutdown convention.
func Serve(ctx context.Context, addr string, snapshot SnapshotFunc, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/qunibone", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			logger.Printf("debugsrv: encoding snapshot: %v", err)
		}
	})
	mux.Handle("/debug/charts/", http.DefaultServeMux)

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("debugsrv: %w", err)
		}
		return nil
	}
}
