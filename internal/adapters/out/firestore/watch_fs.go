// internal/adapters/out/firestore/watch_fs.go
package firestore

import (
	"context"
	"errors"

	gfs "cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	syncer "marketsync/internal/sync"
)

// watchQuery attaches a live listen to q and pumps its snapshots into
// a Subscription. The first snapshot is delivered as a FullSnapshot
// (initial sync), later ones as incremental Changes; everything the
// listen channel yields is server-originated.
//
// Cancelling the subscription stops the iterator and the goroutine.
func watchQuery(ctx context.Context, q gfs.Query, buffer int) *syncer.Subscription {
	watchCtx, cancel := context.WithCancel(ctx)
	sub := syncer.NewSubscription(buffer, cancel)

	go func() {
		it := q.Snapshots(watchCtx)
		defer it.Stop()

		first := true
		for {
			qsnap, err := it.Next()
			if err != nil {
				if errors.Is(err, iterator.Done) || watchCtx.Err() != nil {
					return
				}
				zap.S().Warnf("listen stream error: %v", err)
				sub.Cancel()
				return
			}

			if first {
				first = false
				full := &syncer.FullSnapshot{Docs: map[string]map[string]any{}}
				docs := qsnap.Documents
				for {
					doc, err := docs.Next()
					if err != nil {
						if errors.Is(err, iterator.Done) {
							break
						}
						zap.S().Warnf("initial snapshot read error: %v", err)
						break
					}
					full.Docs[doc.Ref.ID] = doc.Data()
				}
				sub.Emit(syncer.Event{Origin: syncer.OriginServer, Full: full})
				continue
			}

			if len(qsnap.Changes) == 0 {
				continue
			}
			changes := make([]syncer.Change, 0, len(qsnap.Changes))
			for _, ch := range qsnap.Changes {
				rec := syncer.Change{ID: ch.Doc.Ref.ID}
				switch ch.Kind {
				case gfs.DocumentAdded:
					rec.Kind = syncer.ChangeAdded
					rec.Data = ch.Doc.Data()
				case gfs.DocumentModified:
					rec.Kind = syncer.ChangeModified
					rec.Data = ch.Doc.Data()
				case gfs.DocumentRemoved:
					rec.Kind = syncer.ChangeRemoved
				}
				changes = append(changes, rec)
			}
			sub.Emit(syncer.Event{Origin: syncer.OriginServer, Changes: changes})
		}
	}()

	return sub
}
