package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/model"
)

// markDeletedChunk bounds the number of ids bound into one UPDATE.
const markDeletedChunk = 500

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock replaces the time source used for last_indexed.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, enables WAL
// mode and a busy timeout, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(8)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// dsn applies the pragmas to every pooled connection. Transactions start
// IMMEDIATE so concurrent upserts queue on busy_timeout instead of failing
// a lock upgrade.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep +
		"_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_txlock=immediate"
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// messageRow is the on-disk shape of a message.
type messageRow struct {
	MessageID   string `db:"message_id"`
	ThreadID    string `db:"thread_id"`
	Sender      string `db:"sender"`
	Recipients  string `db:"recipients"`
	Labels      string `db:"labels"`
	Subject     string `db:"subject"`
	Body        string `db:"body"`
	Size        int64  `db:"size"`
	Timestamp   int64  `db:"timestamp"`
	IsRead      int    `db:"is_read"`
	IsOutgoing  int    `db:"is_outgoing"`
	IsDeleted   int    `db:"is_deleted"`
	LastIndexed int64  `db:"last_indexed"`
}

func toRow(msg model.Message) (messageRow, error) {
	sender, err := json.Marshal(msg.Sender)
	if err != nil {
		return messageRow{}, fmt.Errorf("marshaling sender: %w", err)
	}
	recipients, err := json.Marshal(msg.Recipients)
	if err != nil {
		return messageRow{}, fmt.Errorf("marshaling recipients: %w", err)
	}
	labels := msg.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return messageRow{}, fmt.Errorf("marshaling labels: %w", err)
	}

	var ts int64
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp.UnixMilli()
	}

	return messageRow{
		MessageID:  msg.MessageID,
		ThreadID:   msg.ThreadID,
		Sender:     string(sender),
		Recipients: string(recipients),
		Labels:     string(labelsJSON),
		Subject:    msg.Subject,
		Body:       msg.Body,
		Size:       msg.Size,
		Timestamp:  ts,
		IsRead:     boolToInt(msg.IsRead),
		IsOutgoing: boolToInt(msg.IsOutgoing),
		IsDeleted:  boolToInt(msg.IsDeleted),
	}, nil
}

func (r messageRow) toMessage() (model.Message, error) {
	msg := model.Message{
		MessageID:   r.MessageID,
		ThreadID:    r.ThreadID,
		Subject:     r.Subject,
		Body:        r.Body,
		Size:        r.Size,
		IsRead:      r.IsRead != 0,
		IsOutgoing:  r.IsOutgoing != 0,
		IsDeleted:   r.IsDeleted != 0,
		LastIndexed: time.Unix(0, r.LastIndexed).UTC(),
	}
	if r.Timestamp != 0 {
		msg.Timestamp = time.UnixMilli(r.Timestamp).UTC()
	}
	if err := json.Unmarshal([]byte(r.Sender), &msg.Sender); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling sender: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Recipients), &msg.Recipients); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Labels), &msg.Labels); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling labels: %w", err)
	}
	return msg, nil
}

// alwaysUpdated are refreshed on every re-sync of an existing message.
var alwaysUpdated = []model.Field{model.FieldLabels, model.FieldIsRead, model.FieldIsOutgoing}

// columnValue maps a clobberable field to its bound value on r.
func (r messageRow) columnValue(f model.Field) any {
	switch f {
	case model.FieldThreadID:
		return r.ThreadID
	case model.FieldSender:
		return r.Sender
	case model.FieldRecipients:
		return r.Recipients
	case model.FieldSubject:
		return r.Subject
	case model.FieldBody:
		return r.Body
	case model.FieldSize:
		return r.Size
	case model.FieldTimestamp:
		return r.Timestamp
	case model.FieldIsOutgoing:
		return r.IsOutgoing
	case model.FieldIsRead:
		return r.IsRead
	case model.FieldLabels:
		return r.Labels
	}
	return nil
}

// UpsertMessage inserts msg or refreshes the stored copy in one
// transaction.
func (s *SQLiteStore) UpsertMessage(
	ctx context.Context,
	msg model.Message,
	clobber model.FieldSet,
) (bool, error) {
	if msg.MessageID == "" {
		return false, &Error{Op: "upsert", Err: errors.New("empty message id")}
	}

	row, err := toRow(msg)
	if err != nil {
		return false, &Error{Op: "upsert", MessageID: msg.MessageID, Err: err}
	}
	row.LastIndexed = s.now().UnixNano()

	created, err := s.upsert(ctx, row, clobber)
	if err != nil {
		return false, &Error{Op: "upsert", MessageID: msg.MessageID, Err: err}
	}
	return created, nil
}

func (s *SQLiteStore) upsert(ctx context.Context, row messageRow, clobber model.FieldSet) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO messages (
			message_id, thread_id, sender, recipients, labels,
			subject, body, size, timestamp,
			is_read, is_outgoing, is_deleted, last_indexed
		) VALUES (
			:message_id, :thread_id, :sender, :recipients, :labels,
			:subject, :body, :size, :timestamp,
			:is_read, :is_outgoing, 0, :last_indexed
		)
		ON CONFLICT(message_id) DO NOTHING`, row)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading insert result: %w", err)
	}
	if inserted == 1 {
		return true, tx.Commit()
	}

	seen := make(map[model.Field]bool, len(alwaysUpdated)+len(clobber))
	var (
		sets []string
		args []any
	)
	for _, f := range append(append([]model.Field{}, alwaysUpdated...), clobber.Fields()...) {
		if seen[f] {
			continue
		}
		seen[f] = true
		sets = append(sets, string(f)+" = ?")
		args = append(args, row.columnValue(f))
	}
	sets = append(sets, "last_indexed = MAX(last_indexed, ?)")
	args = append(args, row.LastIndexed, row.MessageID)

	query := "UPDATE messages SET " + strings.Join(sets, ", ") + " WHERE message_id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("updating message: %w", err)
	}

	return false, tx.Commit()
}

// MessageExists reports whether id is stored, deleted or not.
func (s *SQLiteStore) MessageExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages WHERE message_id = ?", id)
	if err != nil {
		return false, &Error{Op: "exists", MessageID: id, Err: err}
	}
	return n > 0, nil
}

// MaxLastIndexed returns the newest last_indexed across all rows.
func (s *SQLiteStore) MaxLastIndexed(ctx context.Context) (time.Time, bool, error) {
	var latest sql.NullInt64
	if err := s.db.GetContext(ctx, &latest, "SELECT MAX(last_indexed) FROM messages"); err != nil {
		return time.Time{}, false, &Error{Op: "max last_indexed", Err: err}
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, latest.Int64).UTC(), true, nil
}

// MinTimestamp returns the oldest message timestamp, ignoring rows whose
// timestamp is unknown.
func (s *SQLiteStore) MinTimestamp(ctx context.Context) (time.Time, bool, error) {
	var oldest sql.NullInt64
	if err := s.db.GetContext(ctx, &oldest, "SELECT MIN(timestamp) FROM messages WHERE timestamp > 0"); err != nil {
		return time.Time{}, false, &Error{Op: "min timestamp", Err: err}
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(oldest.Int64).UTC(), true, nil
}

// MarkDeleted flags stored messages that are missing from live.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, live map[string]struct{}) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, &Error{Op: "mark deleted", Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	defer tx.Rollback()

	var stored []string
	if err := tx.SelectContext(ctx, &stored, "SELECT message_id FROM messages WHERE is_deleted = 0"); err != nil {
		return 0, &Error{Op: "mark deleted", Err: fmt.Errorf("listing stored ids: %w", err)}
	}

	var gone []string
	for _, id := range stored {
		if _, ok := live[id]; !ok {
			gone = append(gone, id)
		}
	}

	marked := 0
	for start := 0; start < len(gone); start += markDeletedChunk {
		end := min(start+markDeletedChunk, len(gone))

		query, args, err := sqlx.In(
			"UPDATE messages SET is_deleted = 1 WHERE is_deleted = 0 AND message_id IN (?)",
			gone[start:end],
		)
		if err != nil {
			return 0, &Error{Op: "mark deleted", Err: fmt.Errorf("building update: %w", err)}
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return 0, &Error{Op: "mark deleted", Err: fmt.Errorf("updating chunk: %w", err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, &Error{Op: "mark deleted", Err: fmt.Errorf("reading update result: %w", err)}
		}
		marked += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, &Error{Op: "mark deleted", Err: fmt.Errorf("committing: %w", err)}
	}
	return marked, nil
}

// GetMessage loads a single message. It returns ErrNotFound when id is not
// stored.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM messages WHERE message_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	msg, err := row.toMessage()
	if err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", id, err)
	}
	return &msg, nil
}

// MessageIDs returns every stored id, deleted rows included, in id order.
func (s *SQLiteStore) MessageIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, "SELECT message_id FROM messages ORDER BY message_id"); err != nil {
		return nil, fmt.Errorf("listing message ids: %w", err)
	}
	return ids, nil
}

// CountMessages returns totals for the summary view.
func (s *SQLiteStore) CountMessages(ctx context.Context) (MessageCounts, error) {
	var c MessageCounts
	err := s.db.GetContext(ctx, &c, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(is_deleted), 0) AS deleted,
			COALESCE(SUM(CASE WHEN is_read = 0 AND is_deleted = 0 THEN 1 ELSE 0 END), 0) AS unread
		FROM messages`)
	if err != nil {
		return MessageCounts{}, fmt.Errorf("counting messages: %w", err)
	}
	return c, nil
}

// boolToInt converts a Go bool to a SQLite integer (0 or 1).
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
