package webtrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound       = errors.New("webtrap: not found")
	ErrInfamyExists   = errors.New("webtrap: infamy entry already posted")
	ErrAuthLinked     = errors.New("webtrap: external auth already linked")
	ErrScoreContended = errors.New("webtrap: score update contention")
)

// Session is one resolved identity and its scoring state.
type Session struct {
	Fingerprint    string         `db:"fingerprint"`
	ExternalAuthID sql.NullString `db:"external_auth_id"`
	PublicID       string         `db:"public_id"`
	DisplayAlias   string         `db:"display_alias"`
	RiskScore      int            `db:"risk_score"`
	FirstSeen      time.Time      `db:"first_seen"`
	LastSeen       time.Time      `db:"last_seen"`
	ProbeCount     int            `db:"probe_count"`
	OpGhostWalker  bool           `db:"op_ghost_walker"`
	OpToolsmith    bool           `db:"op_toolsmith"`
	OpBreaker      bool           `db:"op_breaker"`
}

// FlagCount returns how many operation milestones the session has unlocked.
func (s *Session) FlagCount() int {
	n := 0
	for _, f := range []bool{s.OpGhostWalker, s.OpToolsmith, s.OpBreaker} {
		if f {
			n++
		}
	}
	return n
}

// Ceiling is the externally-advertised risk ceiling for this session.
func (s *Session) Ceiling() int {
	return AdvertisedCeiling(s.FlagCount())
}

// SecurityEvent is one append-only audit record. RiskImpact holds the delta
// actually applied, after tier capping, not the nominal table value.
type SecurityEvent struct {
	ID          string    `db:"id"`
	Fingerprint string    `db:"fingerprint"`
	EventType   string    `db:"event_type"`
	Payload     string    `db:"payload"`
	RiskImpact  int       `db:"risk_impact"`
	ActionTaken string    `db:"action_taken"`
	IPAddress   string    `db:"ip_address"`
	Location    string    `db:"location"`
	Route       string    `db:"route"`
	CreatedAt   time.Time `db:"created_at"`
}

// InfamyEntry is the permanent wall record. Deliberately not foreign-keyed:
// it survives a forensic wipe of the session it came from.
type InfamyEntry struct {
	Fingerprint        string    `db:"fingerprint" json:"-"`
	Alias              string    `db:"alias" json:"alias"`
	Message            string    `db:"message" json:"message"`
	RiskScoreAtPosting int       `db:"risk_score_at_posting" json:"riskScore"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
}

// Store is the persistence contract the pipeline depends on. The two
// operations the relational collaborator must provide are UpsertSession
// (upsert-by-key) and InsertEvent (append-only insert); the rest round out
// the session lifecycle.
type Store interface {
	UpsertSession(ctx context.Context, fingerprint string) (sess *Session, created bool, err error)
	GetSession(ctx context.Context, fingerprint string) (*Session, error)
	GetSessionByPublicID(ctx context.Context, publicID string) (*Session, error)
	GetSessionByAuthID(ctx context.Context, externalAuthID string) (*Session, error)
	TouchLastSeen(ctx context.Context, fingerprint string) error
	LinkExternalAuth(ctx context.Context, fingerprint, externalAuthID string) error
	UpdateAlias(ctx context.Context, fingerprint, alias string) error

	// ApplyScore runs a compare-and-swap loop: compute receives the current
	// score and returns the next one. Returns the scores it settled on.
	ApplyScore(ctx context.Context, fingerprint string, compute func(current int) int) (old, updated int, err error)
	IncrementProbeCount(ctx context.Context, fingerprint string) (int, error)
	SetOperationFlag(ctx context.Context, fingerprint, flag string) (changed bool, err error)

	InsertEvent(ctx context.Context, ev *SecurityEvent) error
	CountRecentEvents(ctx context.Context, fingerprint, eventType string, since time.Time) (int, error)
	CountDistinctTechniques(ctx context.Context, fingerprint string) (int, error)
	CountDistinctProbeRoutes(ctx context.Context, fingerprint string) (int, error)

	CreateInfamyEntry(ctx context.Context, entry *InfamyEntry) error
	ListInfamy(ctx context.Context, limit int) ([]InfamyEntry, error)

	ForensicWipe(ctx context.Context, fingerprint string) error

	HealthCheck() error
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	fingerprint      TEXT PRIMARY KEY,
	external_auth_id TEXT UNIQUE,
	public_id        TEXT NOT NULL UNIQUE,
	display_alias    TEXT NOT NULL,
	risk_score       INTEGER NOT NULL DEFAULT 0,
	first_seen       DATETIME NOT NULL,
	last_seen        DATETIME NOT NULL,
	probe_count      INTEGER NOT NULL DEFAULT 0,
	op_ghost_walker  INTEGER NOT NULL DEFAULT 0,
	op_toolsmith     INTEGER NOT NULL DEFAULT 0,
	op_breaker       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS security_events (
	id           TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL REFERENCES sessions(fingerprint) ON DELETE CASCADE,
	event_type   TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '',
	risk_impact  INTEGER NOT NULL,
	action_taken TEXT NOT NULL,
	ip_address   TEXT NOT NULL DEFAULT '',
	location     TEXT NOT NULL DEFAULT '',
	route        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_fp_time ON security_events(fingerprint, created_at);
CREATE INDEX IF NOT EXISTS idx_events_fp_type ON security_events(fingerprint, event_type);

CREATE TABLE IF NOT EXISTS infamy_entries (
	fingerprint           TEXT PRIMARY KEY,
	alias                 TEXT NOT NULL,
	message               TEXT NOT NULL,
	risk_score_at_posting INTEGER NOT NULL,
	created_at            DATETIME NOT NULL
);
`

// SQLStore implements Store on SQLite via sqlx.
type SQLStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSQLStore opens (and if needed bootstraps) the database at path.
// Pass ":memory:" for an in-process database.
func NewSQLStore(path string) (*SQLStore, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn = "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if strings.Contains(path, ":memory:") {
		// A second pooled connection would see a different empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLStore{db: db, timeout: 2 * time.Second}, nil
}

// opCtx bounds every store call so a stalled database degrades the request
// instead of hanging it.
func (s *SQLStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

const cidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newPublicID() string {
	return fmt.Sprintf("CID-%03d-%c", rand.Intn(1000), cidAlphabet[rand.Intn(len(cidAlphabet))])
}

func defaultAlias(publicID string) string {
	// CID-442-X -> operative-442
	parts := strings.Split(publicID, "-")
	if len(parts) == 3 {
		return "operative-" + parts[1]
	}
	return "operative"
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// UpsertSession creates the session row on first contact and is a no-op
// (beyond last_seen) afterwards. Keyed on the fingerprint so concurrent
// first-contact requests collapse to one row; the public ID is assigned in
// the same insert and never regenerated.
func (s *SQLStore) UpsertSession(ctx context.Context, fingerprint string) (*Session, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	created := false
	for attempt := 0; attempt < 5; attempt++ {
		publicID := newPublicID()
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (fingerprint, public_id, display_alias, first_seen, last_seen)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(fingerprint) DO NOTHING`,
			fingerprint, publicID, defaultAlias(publicID), now, now)
		if err != nil {
			if isUniqueViolation(err) {
				// public_id collision, roll a new one
				continue
			}
			return nil, false, fmt.Errorf("upsert session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = true
		}
		break
	}

	if !created {
		if err := s.touch(ctx, fingerprint); err != nil {
			return nil, false, err
		}
	}
	sess, err := s.getSession(ctx, fingerprint)
	return sess, created, err
}

func (s *SQLStore) GetSession(ctx context.Context, fingerprint string) (*Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.getSession(ctx, fingerprint)
}

func (s *SQLStore) getSession(ctx context.Context, fingerprint string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE fingerprint = ?`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) GetSessionByPublicID(ctx context.Context, publicID string) (*Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE public_id = ?`, publicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session by public id: %w", err)
	}
	return &sess, nil
}

// GetSessionByAuthID looks a session up by its linked account id. Once an
// account is linked it outranks the fingerprint for lookups.
func (s *SQLStore) GetSessionByAuthID(ctx context.Context, externalAuthID string) (*Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE external_auth_id = ?`, externalAuthID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session by auth id: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) TouchLastSeen(ctx context.Context, fingerprint string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.touch(ctx, fingerprint)
}

func (s *SQLStore) touch(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen = ? WHERE fingerprint = ?`, time.Now().UTC(), fingerprint)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// LinkExternalAuth binds a verified account id to the session. First write
// wins; relinking to a different id is rejected.
func (s *SQLStore) LinkExternalAuth(ctx context.Context, fingerprint, externalAuthID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET external_auth_id = ?
		 WHERE fingerprint = ? AND (external_auth_id IS NULL OR external_auth_id = ?)`,
		externalAuthID, fingerprint, externalAuthID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAuthLinked
		}
		return fmt.Errorf("link external auth: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAuthLinked
	}
	return nil
}

func (s *SQLStore) UpdateAlias(ctx context.Context, fingerprint, alias string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET display_alias = ? WHERE fingerprint = ?`, alias, fingerprint)
	if err != nil {
		return fmt.Errorf("update alias: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyScore is a compare-and-swap retry loop instead of a plain
// read-then-write, so two concurrent deltas for one fingerprint cannot
// silently drop each other.
func (s *SQLStore) ApplyScore(ctx context.Context, fingerprint string, compute func(current int) int) (int, int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	for attempt := 0; attempt < 5; attempt++ {
		var current int
		err := s.db.GetContext(ctx, &current,
			`SELECT risk_score FROM sessions WHERE fingerprint = ?`, fingerprint)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		if err != nil {
			return 0, 0, fmt.Errorf("read score: %w", err)
		}

		next := compute(current)
		if next == current {
			return current, current, nil
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET risk_score = ? WHERE fingerprint = ? AND risk_score = ?`,
			next, fingerprint, current)
		if err != nil {
			return 0, 0, fmt.Errorf("write score: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return current, next, nil
		}
		// lost the race, re-read and retry
	}
	return 0, 0, ErrScoreContended
}

func (s *SQLStore) IncrementProbeCount(ctx context.Context, fingerprint string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET probe_count = probe_count + 1 WHERE fingerprint = ?`, fingerprint); err != nil {
		return 0, fmt.Errorf("increment probe count: %w", err)
	}
	var count int
	if err := s.db.GetContext(ctx, &count,
		`SELECT probe_count FROM sessions WHERE fingerprint = ?`, fingerprint); err != nil {
		return 0, fmt.Errorf("read probe count: %w", err)
	}
	return count, nil
}

var flagColumns = map[string]string{
	OpGhostWalker: "op_ghost_walker",
	OpToolsmith:   "op_toolsmith",
	OpBreaker:     "op_breaker",
}

// SetOperationFlag raises a milestone flag. Returns whether this call was
// the one that unlocked it; flags never reset.
func (s *SQLStore) SetOperationFlag(ctx context.Context, fingerprint, flag string) (bool, error) {
	col, ok := flagColumns[flag]
	if !ok {
		return false, fmt.Errorf("unknown operation flag %q", flag)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+col+` = 1 WHERE fingerprint = ? AND `+col+` = 0`, fingerprint)
	if err != nil {
		return false, fmt.Errorf("set operation flag: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) InsertEvent(ctx context.Context, ev *SecurityEvent) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO security_events (id, fingerprint, event_type, payload, risk_impact, action_taken, ip_address, location, route, created_at)
		 VALUES (:id, :fingerprint, :event_type, :payload, :risk_impact, :action_taken, :ip_address, :location, :route, :created_at)`, ev)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLStore) CountRecentEvents(ctx context.Context, fingerprint, eventType string, since time.Time) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM security_events WHERE fingerprint = ? AND event_type = ? AND created_at >= ?`,
		fingerprint, eventType, since)
	if err != nil {
		return 0, fmt.Errorf("count recent events: %w", err)
	}
	return count, nil
}

func (s *SQLStore) CountDistinctTechniques(ctx context.Context, fingerprint string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(DISTINCT event_type) FROM security_events WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return 0, fmt.Errorf("count distinct techniques: %w", err)
	}
	return count, nil
}

func (s *SQLStore) CountDistinctProbeRoutes(ctx context.Context, fingerprint string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(DISTINCT route) FROM security_events WHERE fingerprint = ? AND event_type = ? AND route != ''`,
		fingerprint, EventRouteProbe.String())
	if err != nil {
		return 0, fmt.Errorf("count distinct probe routes: %w", err)
	}
	return count, nil
}

// CreateInfamyEntry writes the permanent wall record, at most once per
// fingerprint for all time.
func (s *SQLStore) CreateInfamyEntry(ctx context.Context, entry *InfamyEntry) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO infamy_entries (fingerprint, alias, message, risk_score_at_posting, created_at)
		 VALUES (:fingerprint, :alias, :message, :risk_score_at_posting, :created_at)`, entry)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrInfamyExists
		}
		return fmt.Errorf("create infamy entry: %w", err)
	}
	return nil
}

func (s *SQLStore) ListInfamy(ctx context.Context, limit int) ([]InfamyEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries := []InfamyEntry{}
	err := s.db.SelectContext(ctx, &entries,
		`SELECT * FROM infamy_entries ORDER BY risk_score_at_posting DESC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list infamy: %w", err)
	}
	return entries, nil
}

// ForensicWipe destroys the session and its events. The infamy entry is
// deliberately left behind.
func (s *SQLStore) ForensicWipe(ctx context.Context, fingerprint string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin wipe: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM security_events WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("wipe events: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("wipe session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) HealthCheck() error {
	return s.db.Ping()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
