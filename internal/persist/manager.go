// Package persist owns the durable key-value backend: envelope
// serialization, validated saves with bounded retry, backup snapshots and
// recovery, metadata bookkeeping, and export/import bundles.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-statehub/internal/audit"
	"github.com/basket/go-statehub/internal/backend"
	otelx "github.com/basket/go-statehub/internal/otel"
)

const (
	// DefaultPrefix namespaces every durable key the manager owns.
	DefaultPrefix = "statehub_"

	// DefaultSchemaVersion is stamped into envelopes and metadata.
	DefaultSchemaVersion = "2.0"

	defaultQuotaLimit     = 5 * 1024 * 1024
	defaultQuotaThreshold = 0.9

	metadataKeyName = "__metadata"
	backupKeyName   = "__backup"

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Metadata is the singleton durable record describing the store. It is
// created on first run and updated when a key is first persisted or a
// backup is taken.
type Metadata struct {
	SchemaVersion string   `json:"schemaVersion"`
	CreatedAt     int64    `json:"createdAt"`
	LastBackupAt  *int64   `json:"lastBackupAt"`
	TrackedKeys   []string `json:"trackedKeys"`
}

// Config holds the dependencies and tunables for a Manager.
type Config struct {
	Backend backend.Backend
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelx.Metrics

	// Prefix namespaces durable keys; defaults to DefaultPrefix.
	Prefix string

	// SchemaVersion stamped into new envelopes; defaults to DefaultSchemaVersion.
	SchemaVersion string

	// QuotaLimitBytes is the assumed backend capacity ceiling.
	QuotaLimitBytes int64

	// QuotaThreshold is the usable fraction of the ceiling (default 0.9).
	QuotaThreshold float64
}

// Manager provides durable, validated, recoverable key-value storage with
// bounded retry. Load never returns an error to the caller; Save fails only
// after exhausting retries.
type Manager struct {
	backend backend.Backend
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelx.Metrics

	prefix        string
	schemaVersion string

	mu             sync.Mutex // serializes metadata and backup read-modify-write
	quotaMu        sync.RWMutex
	quotaLimit     int64
	quotaThreshold float64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager over the given backend.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	schemaVersion := cfg.SchemaVersion
	if schemaVersion == "" {
		schemaVersion = DefaultSchemaVersion
	}
	limit := cfg.QuotaLimitBytes
	if limit <= 0 {
		limit = defaultQuotaLimit
	}
	threshold := cfg.QuotaThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultQuotaThreshold
	}
	return &Manager{
		backend:        cfg.Backend,
		logger:         logger,
		tracer:         tracer,
		metrics:        cfg.Metrics,
		prefix:         prefix,
		schemaVersion:  schemaVersion,
		quotaLimit:     limit,
		quotaThreshold: threshold,
		now:            time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// SetQuota re-applies quota tunables, typically on config hot reload.
func (m *Manager) SetQuota(limitBytes int64, threshold float64) {
	m.quotaMu.Lock()
	defer m.quotaMu.Unlock()
	if limitBytes > 0 {
		m.quotaLimit = limitBytes
	}
	if threshold > 0 && threshold <= 1 {
		m.quotaThreshold = threshold
	}
}

func (m *Manager) dataKey(key string) string     { return m.prefix + key }
func (m *Manager) metadataKey() string           { return m.prefix + metadataKeyName }
func (m *Manager) backupKey() string             { return m.prefix + backupKeyName }
func (m *Manager) isInternalKey(key string) bool {
	return key == m.metadataKey() || key == m.backupKey()
}

// SaveOptions controls one Save call.
type SaveOptions struct {
	// Retries is the total number of attempts (default 3).
	Retries int
	// Backup snapshots the key's current durable value before the first
	// write attempt (best-effort).
	Backup bool
	// Validate enables the quota check before each attempt and the
	// read-back check after each write.
	Validate bool
}

// DefaultSaveOptions returns the standard Save policy.
func DefaultSaveOptions() SaveOptions {
	return SaveOptions{Retries: 3, Backup: true, Validate: true}
}

// Save envelope-serializes value and writes it under key, retrying
// transient failures with exponential backoff. Serialization errors are
// never retried. A successful save registers key in the metadata's tracked
// set.
func (m *Manager) Save(ctx context.Context, key string, value any, opts SaveOptions) error {
	ctx, span := otelx.StartSpan(ctx, m.tracer, "persist.save", otelx.AttrStateKey.String(key))
	defer span.End()
	start := m.now()

	retries := opts.Retries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			if m.metrics != nil {
				m.metrics.SaveRetries.Add(ctx, 1)
			}
			if err := m.sleep(ctx, backoffDelay(attempt)); err != nil {
				return err
			}
		}

		err := m.trySave(ctx, key, value, opts, attempt == 0)
		if err == nil {
			m.trackKey(ctx, key)
			if m.metrics != nil {
				m.metrics.SaveDuration.Record(ctx, m.now().Sub(start).Seconds())
			}
			return nil
		}
		if errors.Is(err, ErrSerialization) {
			return err
		}
		lastErr = err
		m.logger.Warn("save attempt failed", "key", key, "attempt", attempt+1, "error", err)
	}

	if m.metrics != nil {
		m.metrics.SaveFailures.Add(ctx, 1)
	}
	return fmt.Errorf("save %q after %d attempts: %w", key, retries, lastErr)
}

func (m *Manager) trySave(ctx context.Context, key string, value any, opts SaveOptions, firstAttempt bool) error {
	if opts.Validate {
		if err := m.CheckQuota(ctx); err != nil {
			return err
		}
	}

	if firstAttempt && opts.Backup {
		if err := m.snapshotKey(ctx, key); err != nil {
			// Best-effort: a failed backup never blocks the write.
			m.logger.Warn("pre-write backup failed", "key", key, "error", err)
		}
	}

	encoded, err := encodeEnvelope(value, m.schemaVersion, m.now())
	if err != nil {
		return err
	}
	if err := m.backend.Set(ctx, m.dataKey(key), encoded); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if opts.Validate {
		stored, ok, err := m.backend.Get(ctx, m.dataKey(key))
		if err != nil {
			return fmt.Errorf("read-back: %w", err)
		}
		if !ok || stored == "" {
			return fmt.Errorf("read-back: %w", ErrDeserialization)
		}
	}

	if opts.Backup {
		// Refresh the snapshot with the committed envelope so recovery
		// covers a key from its very first save onward.
		if err := m.refreshSnapshot(ctx, key, encoded); err != nil {
			m.logger.Warn("post-write backup failed", "key", key, "error", err)
		}
	}
	return nil
}

// backoffDelay returns the wait before retry number attempt (1-based),
// doubling from the base and capped.
func backoffDelay(attempt int) time.Duration {
	d := retryBaseDelay << uint(attempt-1)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}

// LoadOptions controls one Load call.
type LoadOptions struct {
	// Default is returned when the record is absent or unrecoverable.
	Default any
	// Validate verifies the decoded value round-trips structurally.
	Validate bool
	// UseBackup enables backup recovery on read failure.
	UseBackup bool
}

// DefaultLoadOptions returns the standard Load policy.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{Validate: true, UseBackup: true}
}

// Load reads and deserializes the value under key. Pre-envelope legacy
// records are interpreted as raw JSON or raw strings. On any failure the
// value is recovered from the backup snapshot when enabled, repairing the
// primary slot; otherwise the caller's default is returned. Load never
// fails.
func (m *Manager) Load(ctx context.Context, key string, opts LoadOptions) any {
	ctx, span := otelx.StartSpan(ctx, m.tracer, "persist.load", otelx.AttrStateKey.String(key))
	defer span.End()
	start := m.now()
	defer func() {
		if m.metrics != nil {
			m.metrics.LoadDuration.Record(ctx, m.now().Sub(start).Seconds())
		}
	}()

	value, err := m.readValue(ctx, key, opts.Validate)
	if err == nil {
		return value
	}
	m.logger.Warn("load failed", "key", key, "error", err)

	if opts.UseBackup {
		if recovered, ok := m.recoverFromBackup(ctx, key); ok {
			span.SetAttributes(otelx.AttrRecovered.Bool(true))
			if m.metrics != nil {
				m.metrics.BackupRecoveries.Add(ctx, 1)
			}
			m.logger.Info("recovered value from backup", "key", key)
			return recovered
		}
	}
	return opts.Default
}

func (m *Manager) readValue(ctx context.Context, key string, validate bool) (any, error) {
	raw, ok, err := m.backend.Get(ctx, m.dataKey(key))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("read %q: %w", key, ErrDeserialization)
	}
	value, env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if validate && env != nil && env.SchemaVersion != "" && env.SchemaVersion > m.schemaVersion {
		return nil, fmt.Errorf("%w: schema version %q is newer than %q", ErrDeserialization, env.SchemaVersion, m.schemaVersion)
	}
	return value, nil
}

// RemoveOptions controls one Remove call.
type RemoveOptions struct {
	// Backup snapshots the current durable value before deletion.
	Backup bool
}

// Remove deletes the value under key and unregisters it from the tracked
// set.
func (m *Manager) Remove(ctx context.Context, key string, opts RemoveOptions) error {
	if opts.Backup {
		if err := m.snapshotKey(ctx, key); err != nil {
			m.logger.Warn("pre-remove backup failed", "key", key, "error", err)
		}
	}
	if err := m.backend.Remove(ctx, m.dataKey(key)); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	m.untrackKey(ctx, key)
	return nil
}

// ClearOptions controls ClearAll.
type ClearOptions struct {
	// Backup snapshots every tracked key before deletion.
	Backup bool
	// Confirm, when non-nil, must return true for the clear to proceed.
	Confirm func() bool
}

// ClearAll deletes every tracked key and reinitializes metadata fresh.
// Returns false without mutating anything when confirmation is declined.
func (m *Manager) ClearAll(ctx context.Context, opts ClearOptions) (bool, error) {
	if opts.Confirm != nil && !opts.Confirm() {
		audit.Record("clear", "declined", "", "", "persist")
		return false, nil
	}

	meta := m.loadMetadata(ctx)
	if opts.Backup {
		if err := m.BackupAll(ctx); err != nil {
			m.logger.Warn("pre-clear backup failed", "error", err)
		}
	}

	for _, key := range meta.TrackedKeys {
		if err := m.backend.Remove(ctx, m.dataKey(key)); err != nil {
			audit.Record("clear", "failure", key, err.Error(), "persist")
			return false, fmt.Errorf("clear %q: %w", key, err)
		}
	}
	if err := m.backend.Remove(ctx, m.metadataKey()); err != nil {
		audit.Record("clear", "failure", "", err.Error(), "persist")
		return false, fmt.Errorf("clear metadata: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeMetadata(ctx, m.freshMetadata()); err != nil {
		return false, err
	}
	audit.Record("clear", "success", "", fmt.Sprintf("%d keys removed", len(meta.TrackedKeys)), "persist")
	return true, nil
}

// CheckQuota fails with ErrQuotaExceeded when backend usage is at or past
// the configured fraction of the capacity ceiling.
func (m *Manager) CheckQuota(ctx context.Context) error {
	usage, err := m.backend.Usage(ctx)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	m.quotaMu.RLock()
	limit, threshold := m.quotaLimit, m.quotaThreshold
	m.quotaMu.RUnlock()

	ceiling := int64(float64(limit) * threshold)
	if usage >= ceiling {
		if m.metrics != nil {
			m.metrics.QuotaRejects.Add(ctx, 1)
		}
		return fmt.Errorf("%w: %d of %d usable bytes", ErrQuotaExceeded, usage, ceiling)
	}
	return nil
}

// Usage reports current backend usage and the usable ceiling in bytes.
func (m *Manager) Usage(ctx context.Context) (used, ceiling int64, err error) {
	used, err = m.backend.Usage(ctx)
	if err != nil {
		return 0, 0, err
	}
	m.quotaMu.RLock()
	defer m.quotaMu.RUnlock()
	return used, int64(float64(m.quotaLimit) * m.quotaThreshold), nil
}

// Metadata returns the durable metadata record, initializing it on first
// call.
func (m *Manager) Metadata(ctx context.Context) Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadMetadataLocked(ctx)
}

func (m *Manager) freshMetadata() Metadata {
	return Metadata{
		SchemaVersion: m.schemaVersion,
		CreatedAt:     m.now().UnixMilli(),
		TrackedKeys:   []string{},
	}
}

func (m *Manager) loadMetadata(ctx context.Context) Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadMetadataLocked(ctx)
}

func (m *Manager) loadMetadataLocked(ctx context.Context) Metadata {
	raw, ok, err := m.backend.Get(ctx, m.metadataKey())
	if err == nil && ok {
		var meta Metadata
		if jerr := decodeInto(raw, &meta); jerr == nil && meta.SchemaVersion != "" {
			return meta
		}
	}
	meta := m.freshMetadata()
	if werr := m.writeMetadata(ctx, meta); werr != nil {
		m.logger.Warn("initialize metadata failed", "error", werr)
	}
	return meta
}

func (m *Manager) writeMetadata(ctx context.Context, meta Metadata) error {
	encoded, err := encodeEnvelope(meta, m.schemaVersion, m.now())
	if err != nil {
		return err
	}
	if err := m.backend.Set(ctx, m.metadataKey(), encoded); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (m *Manager) trackKey(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.loadMetadataLocked(ctx)
	if slices.Contains(meta.TrackedKeys, key) {
		return
	}
	meta.TrackedKeys = append(meta.TrackedKeys, key)
	slices.Sort(meta.TrackedKeys)
	if err := m.writeMetadata(ctx, meta); err != nil {
		m.logger.Warn("track key failed", "key", key, "error", err)
	}
}

func (m *Manager) untrackKey(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.loadMetadataLocked(ctx)
	idx := slices.Index(meta.TrackedKeys, key)
	if idx < 0 {
		return
	}
	meta.TrackedKeys = slices.Delete(meta.TrackedKeys, idx, idx+1)
	if err := m.writeMetadata(ctx, meta); err != nil {
		m.logger.Warn("untrack key failed", "key", key, "error", err)
	}
}
