package orchestrator

import (
	"context"

	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/loykin/streamvisor/internal/starter"
	"github.com/loykin/streamvisor/internal/store"
)

// ResourceTargets lists every running subprocess recorded in the store, for
// resource sampling.
func ResourceTargets(st *store.Store) func(context.Context) ([]metrics.Target, error) {
	return func(ctx context.Context) ([]metrics.Target, error) {
		states, err := st.Streams.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		var out []metrics.Target
		for _, s := range states {
			for kind, pid := range map[string]int{
				starter.KindFeeder:        s.PID,
				starter.KindSegmentWriter: s.SegmentWriterPID,
				starter.KindReader:        s.ReaderPID,
				starter.KindRecorder:      s.RecordPID,
				starter.KindSnapshotter:   s.SnapshotPID,
			} {
				if pid > 0 {
					out = append(out, metrics.Target{ID: s.ID, Kind: kind, PID: pid})
				}
			}
		}
		return out, nil
	}
}
