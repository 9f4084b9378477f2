// Package recovery re-drives uncommitted journal entries against the
// block store at open time, bringing the database back to a consistent
// state after an unclean shutdown. It runs exactly once per open.
package recovery

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/blockstore"
	"github.com/hyperpolymath/lithoglyph-sub002/internal/journal"
)

// Config carries the runner's collaborators.
type Config struct {
	Store   *blockstore.Store
	Journal *journal.Journal
	Logger  *logrus.Logger
}

// Run replays the journal from the superblock's last checkpoint. Every
// valid entry not yet flagged committed is re-applied to the block store
// and then marked committed; entries failing validation are logged and
// skipped. After replay a fresh checkpoint is written and persisted in
// the superblock.
func Run(cfg Config) error {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	store, jrnl := cfg.Store, cfg.Journal

	from := store.Superblock().LastCheckpoint
	replayed := 0

	apply := func(e *journal.Entry) error {
		if len(e.Forward) == 0 {
			// Delete marker: re-drive the soft deletion.
			if err := store.Free(e.AffectedBlock, e.Sequence); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"sequence": e.Sequence,
					"block":    e.AffectedBlock,
				}).Warn("recovery cannot re-apply delete")
				return journal.ErrSkipEntry
			}
			replayed++
			return nil
		}

		var img blockstore.BlockImage
		if err := img.UnmarshalBinary(e.Forward); err != nil {
			log.WithError(err).WithField("sequence", e.Sequence).Warn("recovery cannot decode forward payload")
			return journal.ErrSkipEntry
		}
		if _, err := store.Write(e.AffectedBlock, img.Type, img.Data, e.Sequence, img.PrevBlock, img.Chained); err != nil {
			return fmt.Errorf("re-applying entry %d to block %d: %w", e.Sequence, e.AffectedBlock, err)
		}
		replayed++
		return nil
	}

	if err := jrnl.Replay(from, apply); err != nil {
		return fmt.Errorf("recovery replay: %w", err)
	}

	if replayed > 0 {
		if err := store.Sync(); err != nil {
			return fmt.Errorf("recovery sync: %w", err)
		}
		log.WithFields(logrus.Fields{
			"entries": replayed,
			"from":    from,
		}).Info("recovery re-applied journal entries")
	}

	cp, err := jrnl.WriteCheckpoint()
	if err != nil {
		return fmt.Errorf("recovery checkpoint: %w", err)
	}
	store.SetLastCheckpoint(cp)
	store.SetJournalHead(jrnl.Head())
	if err := store.FlushSuperblock(); err != nil {
		return err
	}
	if err := store.Sync(); err != nil {
		return fmt.Errorf("persisting recovery checkpoint: %w", err)
	}
	return nil
}
