package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/devosoft/avida-bridge/pkg/logger"
	"github.com/devosoft/avida-bridge/pkg/message"
)

// JournalSink appends records to a local SQLite file so a session can be
// inspected after the fact.
type JournalSink struct {
	path   string
	db     *sql.DB
	insert *sql.Stmt
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string) (*JournalSink, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// Writes come from a single mirror goroutine.
	db.SetMaxOpenConns(1)

	j := &JournalSink{path: path, db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	j.insert, err = db.Prepare(`
		INSERT INTO records (id, direction, source_role, update_counter, msg_type, data, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare journal insert: %w", err)
	}

	logger.InfoCF("mirror", "Diagnostic journal opened", map[string]interface{}{
		"path": path,
	})
	return j, nil
}

func (j *JournalSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		direction TEXT NOT NULL,
		source_role TEXT NOT NULL,
		update_counter INTEGER NOT NULL,
		msg_type TEXT NOT NULL,
		data TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_update ON records(update_counter);
	CREATE INDEX IF NOT EXISTS idx_records_type ON records(msg_type);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *JournalSink) Name() string { return "journal" }

func (j *JournalSink) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	_, err = j.insert.ExecContext(ctx,
		rec.ID,
		string(rec.Meta.Direction),
		rec.Meta.SourceRole,
		rec.Meta.UpdateCounter,
		rec.Data.Type(),
		string(data),
		rec.Meta.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: journal insert: %v", ErrDiagnosticUnavailable, err)
	}
	return nil
}

// Records returns up to limit of the most recent records, oldest first.
func (j *JournalSink) Records(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, direction, source_role, update_counter, data, recorded_at
		FROM (SELECT * FROM records ORDER BY seq DESC LIMIT ?)
		ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			direction string
			data      string
			at        string
		)
		if err := rows.Scan(&rec.ID, &direction, &rec.Meta.SourceRole, &rec.Meta.UpdateCounter, &data, &at); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		rec.Meta.Direction = Direction(direction)
		if rec.Meta.Timestamp, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("journal row %s: bad timestamp: %w", rec.ID, err)
		}
		if rec.Data, err = message.DecodeString(data); err != nil {
			return nil, fmt.Errorf("journal row %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *JournalSink) Close() error {
	if j.insert != nil {
		j.insert.Close()
	}
	return j.db.Close()
}
