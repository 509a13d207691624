package badgerstore

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/jonathan/creator-pipeline/internal/store"
)

const watchBuffer = 16

// Watch streams snapshots of the run. Changes are picked up from Badger's
// subscription feed on the run key; a slow resync tick covers writes that
// landed before the subscription was registered.
func (s *Store) Watch(ctx context.Context, runID string) (<-chan store.Snapshot, error) {
	first, err := store.ReadSnapshot(ctx, s, runID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	notify := make(chan struct{}, 1)

	go func() {
		err := s.db.Subscribe(ctx, func(_ *badger.KVList) error {
			select {
			case notify <- struct{}{}:
			default:
			}
			return nil
		}, []pb.Match{{Prefix: runKey(runID)}})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("badger subscription ended", "run_id", runID, "error", err)
		}
	}()

	out := make(chan store.Snapshot, watchBuffer)
	go func() {
		defer close(out)
		defer cancel()

		if !emit(ctx, out, first) || first.Run.Status.IsTerminal() {
			return
		}
		last := first.Run.Version

		resync := s.clock.NewTicker(s.resync)
		defer resync.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-notify:
			case <-resync.Chan():
			}

			snap, err := store.ReadSnapshot(ctx, s, runID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("watch read failed", "run_id", runID, "error", err)
				continue
			}
			if snap.Run.Version <= last {
				continue
			}
			last = snap.Run.Version
			if !emit(ctx, out, snap) || snap.Run.Status.IsTerminal() {
				return
			}
		}
	}()

	return out, nil
}

func emit(ctx context.Context, out chan<- store.Snapshot, snap store.Snapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}
