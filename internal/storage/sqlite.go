package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mailcast/internal/models"
	logx "mailcast/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openDB(cfg Config) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and the pragmas below are
	// per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	return db, nil
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	applied, err := ApplyMigrations(context.Background(), db, migrationsFS, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(applied) > 0 {
		log.Info("storage migrated", logx.String("path", cfg.Path), logx.Any("applied", applied))
	}
	return newSQLStore(db, log), nil
}

// Migrate applies pending migrations to the configured sqlite database and
// returns the names it applied.
func Migrate(ctx context.Context, cfg Config) ([]string, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return ApplyMigrations(ctx, db, migrationsFS, "migrations")
}

func newSQLStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log}
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unixMS(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// ---- campaigns ----

func (s *sqliteStore) CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error) {
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = models.CampaignPending
	}
	if c.Recurrence == "" {
		c.Recurrence = models.RecurrenceNone
	}
	c.CreatedAt, c.UpdatedAt = now, now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO campaigns(name, fire_at, recurrence, status, message_id, owner, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			c.Name, unixMS(c.FireAt), string(c.Recurrence), string(c.Status), c.MessageID, c.Owner,
			unixMS(now), unixMS(now),
		)
		if err != nil {
			return err
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return linkRecipients(ctx, tx, c.ID, c.RecipientIDs)
	})
	if err != nil {
		return models.Campaign{}, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

func (s *sqliteStore) UpdateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE campaigns SET name=?, fire_at=?, recurrence=?, status=?, message_id=?, owner=?, updated_at=?
			 WHERE id=?`,
			c.Name, unixMS(c.FireAt), string(c.Recurrence), string(c.Status), c.MessageID, c.Owner,
			unixMS(time.Now()), c.ID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_recipients WHERE campaign_id=?`, c.ID); err != nil {
			return err
		}
		return linkRecipients(ctx, tx, c.ID, c.RecipientIDs)
	})
	if err != nil {
		return models.Campaign{}, fmt.Errorf("update campaign %d: %w", c.ID, err)
	}
	return s.GetCampaign(ctx, c.ID)
}

func linkRecipients(ctx context.Context, tx *sql.Tx, campaignID int64, ids []int64) error {
	for _, rid := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO campaign_recipients(campaign_id, recipient_id) VALUES(?,?)`,
			campaignID, rid,
		); err != nil {
			return err
		}
	}
	return nil
}

const campaignCols = `id, name, fire_at, recurrence, status, message_id, owner, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanCampaign(r rowScanner) (models.Campaign, error) {
	var (
		c                       models.Campaign
		fireAt, created, update int64
		recurrence, status      string
	)
	if err := r.Scan(&c.ID, &c.Name, &fireAt, &recurrence, &status, &c.MessageID, &c.Owner, &created, &update); err != nil {
		return models.Campaign{}, err
	}
	c.FireAt, c.CreatedAt, c.UpdatedAt = fromMS(fireAt), fromMS(created), fromMS(update)
	c.Recurrence, c.Status = models.Recurrence(recurrence), models.CampaignStatus(status)
	return c, nil
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id int64) (models.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Campaign{}, ErrNotFound
	}
	if err != nil {
		return models.Campaign{}, err
	}
	links, err := s.recipientLinks(ctx, &id)
	if err != nil {
		return models.Campaign{}, err
	}
	c.RecipientIDs = links[id]
	return c, nil
}

func (s *sqliteStore) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignCols+` FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The single connection is free again; load links in one pass.
	links, err := s.recipientLinks(ctx, nil)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].RecipientIDs = links[out[i].ID]
	}
	return out, nil
}

// recipientLinks loads campaign -> recipient ids, for one campaign or all.
func (s *sqliteStore) recipientLinks(ctx context.Context, campaignID *int64) (map[int64][]int64, error) {
	q := `SELECT campaign_id, recipient_id FROM campaign_recipients`
	var args []any
	if campaignID != nil {
		q += ` WHERE campaign_id = ?`
		args = append(args, *campaignID)
	}
	q += ` ORDER BY campaign_id, recipient_id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64][]int64{}
	for rows.Next() {
		var cid, rid int64
		if err := rows.Scan(&cid, &rid); err != nil {
			return nil, err
		}
		out[cid] = append(out[cid], rid)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveCampaignStatus(ctx context.Context, id int64, status models.CampaignStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), unixMS(time.Now()), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- messages & recipients ----

func (s *sqliteStore) CreateMessage(ctx context.Context, m models.Message) (models.Message, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(subject, body, owner, created_at) VALUES(?,?,?,?)`,
		m.Subject, m.Body, m.Owner, unixMS(time.Now()),
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("create message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return m, err
}

func (s *sqliteStore) GetMessage(ctx context.Context, id int64) (models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject, body, owner FROM messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.Subject, &m.Body, &m.Owner)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	return m, err
}

func (s *sqliteStore) CreateRecipient(ctx context.Context, r models.Recipient) (models.Recipient, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(address, name, note, owner, created_at) VALUES(?,?,?,?,?)`,
		r.Address, r.Name, r.Note, r.Owner, unixMS(time.Now()),
	)
	if err != nil {
		return models.Recipient{}, fmt.Errorf("create recipient: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return r, err
}

func (s *sqliteStore) ListRecipients(ctx context.Context, campaignID int64) ([]models.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.address, r.name, r.note, r.owner
		 FROM recipients r JOIN campaign_recipients cr ON cr.recipient_id = r.id
		 WHERE cr.campaign_id = ? ORDER BY r.id`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ID, &r.Address, &r.Name, &r.Note, &r.Owner); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- attempts ----

func (s *sqliteStore) AppendAttempt(ctx context.Context, a models.Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(id, pass_id, campaign_id, recipient_id, message_id, address, at, outcome, status_code, error)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.PassID, a.CampaignID, a.RecipientID, a.MessageID, a.Address,
		unixMS(a.At), string(a.Outcome), a.StatusCode, nullStr(a.Error),
	)
	return err
}

func (s *sqliteStore) ListAttempts(ctx context.Context, campaignID int64) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pass_id, campaign_id, recipient_id, message_id, address, at, outcome, status_code, error
		 FROM attempts WHERE campaign_id = ? ORDER BY rowid`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Attempt
	for rows.Next() {
		var (
			a       models.Attempt
			at      int64
			outcome string
			errText sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.PassID, &a.CampaignID, &a.RecipientID, &a.MessageID, &a.Address,
			&at, &outcome, &a.StatusCode, &errText); err != nil {
			return nil, err
		}
		a.At, a.Outcome, a.Error = fromMS(at), models.Outcome(outcome), errText.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- triggers ----

func (s *sqliteStore) PutTrigger(ctx context.Context, t models.Trigger) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers(campaign_id, fire_at, created_at) VALUES(?,?,?)
		 ON CONFLICT(campaign_id) DO UPDATE SET fire_at=excluded.fire_at, created_at=excluded.created_at`,
		t.CampaignID, unixMS(t.FireAt), unixMS(t.CreatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteTrigger(ctx context.Context, campaignID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListTriggers(ctx context.Context) ([]models.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT campaign_id, fire_at, created_at FROM triggers ORDER BY fire_at, campaign_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Trigger
	for rows.Next() {
		var (
			t               models.Trigger
			fireAt, created int64
		)
		if err := rows.Scan(&t.CampaignID, &fireAt, &created); err != nil {
			return nil, err
		}
		t.FireAt, t.CreatedAt = fromMS(fireAt), fromMS(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
