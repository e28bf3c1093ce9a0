package persist

import (
	"context"
	"encoding/json"
	"fmt"
)

// backupEntry is one key's snapshot inside the backup record.
type backupEntry struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// backupSnapshot maps durable data keys to their snapshotted envelopes.
// The whole snapshot lives under a single well-known backup key; writes
// keep it current and only the read path ever consults it.
type backupSnapshot map[string]backupEntry

func (m *Manager) loadSnapshot(ctx context.Context) backupSnapshot {
	raw, ok, err := m.backend.Get(ctx, m.backupKey())
	if err != nil || !ok {
		return backupSnapshot{}
	}
	var snap backupSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		m.logger.Warn("backup snapshot corrupt, starting fresh", "error", err)
		return backupSnapshot{}
	}
	return snap
}

func (m *Manager) writeSnapshot(ctx context.Context, snap backupSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	if err := m.backend.Set(ctx, m.backupKey(), string(b)); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

// snapshotKey copies key's current durable value into the backup snapshot.
// Absent keys snapshot nothing. Callers treat failures as non-fatal.
func (m *Manager) snapshotKey(ctx context.Context, key string) error {
	current, ok, err := m.backend.Get(ctx, m.dataKey(key))
	if err != nil {
		return fmt.Errorf("read current value: %w", err)
	}
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.loadSnapshot(ctx)
	snap[m.dataKey(key)] = backupEntry{Data: current, Timestamp: m.now().UnixMilli()}
	if err := m.writeSnapshot(ctx, snap); err != nil {
		return err
	}
	m.stampLastBackupLocked(ctx)
	return nil
}

// refreshSnapshot records the just-committed envelope for key. Together
// with the pre-write snapshot this keeps the backup entry current from a
// key's first save: losing the primary slot at any point afterwards is
// recoverable.
func (m *Manager) refreshSnapshot(ctx context.Context, key, encoded string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.loadSnapshot(ctx)
	snap[m.dataKey(key)] = backupEntry{Data: encoded, Timestamp: m.now().UnixMilli()}
	if err := m.writeSnapshot(ctx, snap); err != nil {
		return err
	}
	m.stampLastBackupLocked(ctx)
	return nil
}

// BackupAll snapshots every tracked key in bulk, e.g. before a destructive
// clear or import, or on the backup schedule.
func (m *Manager) BackupAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := m.loadMetadataLocked(ctx)
	snap := m.loadSnapshot(ctx)
	now := m.now().UnixMilli()
	for _, key := range meta.TrackedKeys {
		current, ok, err := m.backend.Get(ctx, m.dataKey(key))
		if err != nil {
			return fmt.Errorf("backup %q: %w", key, err)
		}
		if !ok {
			continue
		}
		snap[m.dataKey(key)] = backupEntry{Data: current, Timestamp: now}
	}
	if err := m.writeSnapshot(ctx, snap); err != nil {
		return err
	}
	m.stampLastBackupLocked(ctx)
	return nil
}

// recoverFromBackup restores key's snapshotted envelope into the primary
// slot and returns the decoded value.
func (m *Manager) recoverFromBackup(ctx context.Context, key string) (any, bool) {
	m.mu.Lock()
	snap := m.loadSnapshot(ctx)
	m.mu.Unlock()

	entry, ok := snap[m.dataKey(key)]
	if !ok || entry.Data == "" {
		return nil, false
	}
	value, _, err := decodeEnvelope(entry.Data)
	if err != nil {
		m.logger.Warn("backup entry corrupt", "key", key, "error", err)
		return nil, false
	}
	if err := m.backend.Set(ctx, m.dataKey(key), entry.Data); err != nil {
		m.logger.Warn("restore primary slot failed", "key", key, "error", err)
	}
	return value, true
}

func (m *Manager) stampLastBackupLocked(ctx context.Context) {
	meta := m.loadMetadataLocked(ctx)
	ts := m.now().UnixMilli()
	meta.LastBackupAt = &ts
	if err := m.writeMetadata(ctx, meta); err != nil {
		m.logger.Warn("stamp backup time failed", "error", err)
	}
}
