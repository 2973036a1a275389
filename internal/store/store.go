package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-logr/logr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/opsprobe-dev/opsprobe/internal/apperrors"
	"github.com/opsprobe-dev/opsprobe/internal/models"
	"github.com/opsprobe-dev/opsprobe/internal/state"
)

// EventRecord is the append-only event log row
type EventRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index:idx_session_seq,unique;size:64"`
	Seq       int64  `gorm:"index:idx_session_seq,unique"`
	Kind      string `gorm:"size:64"`
	Payload   []byte
	Timestamp time.Time
}

// TableName maps EventRecord to the diagnosis_events table
func (EventRecord) TableName() string { return "diagnosis_events" }

// SnapshotRecord is one materialized state capture. Later versions
// supersede earlier ones; rows are never deleted.
type SnapshotRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index:idx_session_version,unique;size:64"`
	Version   int64  `gorm:"index:idx_session_version,unique"`
	State     []byte
	Seq       int64
	CreatedAt time.Time
}

// TableName maps SnapshotRecord to the diagnosis_snapshots table
func (SnapshotRecord) TableName() string { return "diagnosis_snapshots" }

// Store is the durable session store: an append-only per-session event log
// plus compacted snapshots. Append is serialized per session so sequence
// numbers stay gap-free under concurrent callers; the unique
// (session_id, seq) index backs the same discipline across processes.
type Store struct {
	db     *gorm.DB
	logger logr.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open connects to the configured database and migrates the two tables
func Open(driver, dsn string, logger logr.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStorageUnavailable, "failed to open database", err)
	}

	if err := db.AutoMigrate(&EventRecord{}, &SnapshotRecord{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStorageUnavailable, "failed to migrate schema", err)
	}

	return New(db, logger), nil
}

// New wraps an existing gorm connection
func New(db *gorm.DB, logger logr.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.WithName("store"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// DB exposes the underlying connection for collaborators sharing it
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Append writes one event and returns its store-assigned sequence number.
// Sequence assignment is atomic: the per-session lock serializes writers in
// this process and the transaction reads MAX(seq) under it.
func (s *Store) Append(ctx context.Context, sessionID string, kind models.EventKind, payload json.RawMessage) (int64, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var seq int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		row := tx.Model(&EventRecord{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq), -1)").
			Row()
		if err := row.Scan(&last); err != nil {
			return err
		}
		seq = last + 1

		rec := EventRecord{
			SessionID: sessionID,
			Seq:       seq,
			Kind:      string(kind),
			Payload:   payload,
			Timestamp: time.Now(),
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeStorageUnavailable, "event append failed", err)
	}

	s.logger.V(1).Info("appended event", "session", sessionID, "seq", seq, "kind", kind)
	return seq, nil
}

// EventsSince returns, in order, every event with seq >= from
func (s *Store) EventsSince(ctx context.Context, sessionID string, from int64) ([]models.Event, error) {
	var recs []EventRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND seq >= ?", sessionID, from).
		Order("seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStorageUnavailable, "event read failed", err)
	}

	events := make([]models.Event, 0, len(recs))
	for _, r := range recs {
		events = append(events, models.Event{
			SessionID: r.SessionID,
			Seq:       r.Seq,
			Kind:      models.EventKind(r.Kind),
			Payload:   json.RawMessage(r.Payload),
			Timestamp: r.Timestamp,
		})
	}
	return events, nil
}

// LatestSnapshot returns the newest snapshot for the session, or nil when
// the session has never been snapshotted
func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	var rec SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("version DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStorageUnavailable, "snapshot read failed", err)
	}

	return &models.Snapshot{
		SessionID: rec.SessionID,
		Version:   rec.Version,
		State:     json.RawMessage(rec.State),
		Seq:       rec.Seq,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// SaveSnapshot captures the state at its LastSeq as the next snapshot
// version. Earlier versions are superseded, not deleted.
func (s *Store) SaveSnapshot(ctx context.Context, st state.DiagnosisState) error {
	encoded, err := st.Encode()
	if err != nil {
		return apperrors.New(apperrors.ErrCodeStorageUnavailable, "snapshot encode failed", err)
	}

	lock := s.sessionLock(st.SessionID)
	lock.Lock()
	defer lock.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		row := tx.Model(&SnapshotRecord{}).
			Where("session_id = ?", st.SessionID).
			Select("COALESCE(MAX(version), 0)").
			Row()
		if err := row.Scan(&last); err != nil {
			return err
		}

		rec := SnapshotRecord{
			SessionID: st.SessionID,
			Version:   last + 1,
			State:     encoded,
			Seq:       st.LastSeq,
			CreatedAt: time.Now(),
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeStorageUnavailable, "snapshot write failed", err)
	}

	s.logger.Info("saved snapshot", "session", st.SessionID, "seq", st.LastSeq)
	return nil
}

// LoadState reconstructs current state: latest snapshot plus replay of
// every event at or after it. With no snapshot the full history is
// replayed from the empty state.
func (s *Store) LoadState(ctx context.Context, sessionID string) (state.DiagnosisState, error) {
	snap, err := s.LatestSnapshot(ctx, sessionID)
	if err != nil {
		return state.DiagnosisState{}, err
	}

	from := int64(0)
	if snap != nil {
		from = snap.Seq
	}

	events, err := s.EventsSince(ctx, sessionID, from)
	if err != nil {
		return state.DiagnosisState{}, err
	}

	return state.Rebuild(sessionID, snap, events)
}
