package gc

import (
	"context"
	"errors"
	"fmt"

	contentdrop "github.com/wolfeidau/content-drop"
	"github.com/wolfeidau/content-drop/backend"
	"github.com/wolfeidau/content-drop/store"
)

// phaseOverdue recomputes due records from creation time and TTL class,
// bypassing the index, and schedules any that lack an entry. The sweeper
// evicts them on its next cycle.
func (m *Manager) phaseOverdue(ctx context.Context, result *Result) {
	m.logger.Debug("phase: overdue records")

	now := m.now()
	for _, ttl := range contentdrop.TTLClasses {
		offset, ok := ttl.Offset()
		if !ok {
			continue
		}

		recs, err := m.db.ListCreatedBefore(ctx, ttl, now.Add(-offset), 0)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list overdue %s: %v", ttl, err))
			m.logger.Error("failed to list overdue records", "ttl", ttl, "error", err)
			continue
		}

		for _, rec := range recs {
			if ctx.Err() != nil {
				return
			}
			indexed, err := m.ensureIndexed(ctx, rec)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("reindex %d: %v", rec.ID, err))
				m.logger.Error("failed to reindex overdue record", "id", rec.ID, "error", err)
				continue
			}
			if indexed {
				result.OverdueUnindexed++
				result.Reindexed++
				m.logger.Warn("overdue record had no expiry entry",
					"id", rec.ID,
					"hash", rec.Hash.ShortString(),
					"ttl", rec.TTL,
					"created_at", rec.CreatedAt,
				)
			}
		}
	}
}

// phaseReindex scans every record, schedules those missing an expiry entry
// and returns the set of referenced blob locations. Returns nil when the scan
// did not complete, since orphan detection needs the full set.
func (m *Manager) phaseReindex(ctx context.Context, result *Result) map[string]struct{} {
	m.logger.Debug("phase: reindex")

	referenced := make(map[string]struct{})
	err := m.db.ForEach(ctx, func(rec *contentdrop.ContentRecord) error {
		result.RecordsScanned++
		referenced[rec.Location] = struct{}{}

		indexed, err := m.ensureIndexed(ctx, rec)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reindex %d: %v", rec.ID, err))
			m.logger.Error("failed to reindex record", "id", rec.ID, "error", err)
			return nil
		}
		if indexed {
			result.Reindexed++
			m.logger.Info("restored expiry entry", "id", rec.ID, "hash", rec.Hash.ShortString(), "ttl", rec.TTL)
		}
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan records: %v", err))
		m.logger.Error("failed to scan records", "error", err)
		return nil
	}
	return referenced
}

// ensureIndexed inserts the expiry entry for rec if it has none and reports
// whether it did.
func (m *Manager) ensureIndexed(ctx context.Context, rec *contentdrop.ContentRecord) (bool, error) {
	expiresAt, ok := rec.ExpiresAt()
	if !ok {
		return false, nil
	}
	has, err := m.index.Has(ctx, rec.ID)
	if err != nil {
		return false, fmt.Errorf("checking index: %w", err)
	}
	if has {
		return false, nil
	}
	if err := m.index.Insert(ctx, rec.ID, expiresAt); err != nil {
		return false, fmt.Errorf("inserting index entry: %w", err)
	}
	return true, nil
}

// phaseDeleteOrphans deletes blobs that no record references and that are
// older than the grace period. Younger blobs may belong to an ingestion that
// has not committed its record yet.
func (m *Manager) phaseDeleteOrphans(ctx context.Context, result *Result, referenced map[string]struct{}) {
	m.logger.Debug("phase: delete orphan blobs")

	keys, err := m.backend.List(ctx, store.FilesDir)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list backend blobs: %v", err))
		m.logger.Error("failed to list backend blobs", "error", err)
		return
	}

	cutoff := m.now().Add(-m.config.OrphanGracePeriod)
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, ok := referenced[key]; ok {
			continue
		}

		info, err := m.backend.Stat(ctx, key)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("stat orphan blob %s: %v", key, err))
			continue
		}
		if info.ModTime.After(cutoff) {
			m.logger.Debug("skipping young unreferenced blob", "key", key, "mod_time", info.ModTime)
			continue
		}

		if err := m.backend.Delete(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan blob %s: %v", key, err))
			m.logger.Error("failed to delete orphan blob", "key", key, "error", err)
			continue
		}

		result.OrphanBlobsDeleted++
		result.BytesReclaimed += info.Size

		m.logger.Debug("deleted orphan blob", "key", key, "size", info.Size)
	}
}
