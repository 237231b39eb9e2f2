package relay

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqlOperationTimeout = 5 * time.Second

type sqlDialect struct {
	name      string
	driver    string
	numbered  bool
	forUpdate string
	migrate   string
}

var (
	postgresDialect = sqlDialect{
		name:      "postgres",
		driver:    "postgres",
		numbered:  true,
		forUpdate: " FOR UPDATE",
		migrate:   "migrations/postgres",
	}
	sqliteDialect = sqlDialect{
		name:    "sqlite",
		driver:  "sqlite",
		migrate: "migrations/sqlite",
	}
)

// rebind turns ? placeholders into $n for drivers that need it.
func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

// SQLStore implements Store on postgres or sqlite with the same schema.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
	now     func() time.Time
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return openSQLStore(db, postgresDialect)
}

// NewSQLiteStore opens path (":memory:" works for tests) with foreign keys
// enforced and WAL journaling.
func NewSQLiteStore(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	return openSQLStore(db, sqliteDialect)
}

func openSQLStore(db *sql.DB, d sqlDialect) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*sqlOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	if err := applyMigrations(ctx, db, d, d.migrate); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", d.name, err)
	}
	return &SQLStore{db: db, dialect: d, now: time.Now}, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, sqlOperationTimeout)
}

func (s *SQLStore) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q sqlExecer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q sqlExecer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const serverColumns = "id, label, token, created_at, rotated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (Server, error) {
	var (
		srv              Server
		created, rotated int64
	)
	if err := row.Scan(&srv.ID, &srv.Label, &srv.Token, &created, &rotated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Server{}, ErrNotFound
		}
		return Server{}, err
	}
	srv.CreatedAt = time.Unix(created, 0).UTC()
	if rotated > 0 {
		srv.RotatedAt = time.Unix(rotated, 0).UTC()
	}
	return srv, nil
}

func (s *SQLStore) UpsertTenant(ctx context.Context, tenantID, ownerID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrInvalidInput
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.exec(ctx, s.db, `
		INSERT INTO tenants (tenant_id, owner_id) VALUES (?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET owner_id = CASE
			WHEN EXCLUDED.owner_id = '' THEN tenants.owner_id
			ELSE EXCLUDED.owner_id
		END`, tenantID, ownerID)
	return err
}

func (s *SQLStore) DeleteTenant(ctx context.Context, tenantID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.exec(ctx, s.db, "DELETE FROM tenants WHERE tenant_id = ?", tenantID)
	return err
}

func (s *SQLStore) Tenant(ctx context.Context, tenantID string) (Tenant, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	t := Tenant{ID: tenantID}
	err := s.queryRow(ctx, s.db, "SELECT owner_id FROM tenants WHERE tenant_id = ?", tenantID).Scan(&t.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	return t, err
}

func (s *SQLStore) ListTenants(ctx context.Context) ([]Tenant, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.query(ctx, s.db, "SELECT tenant_id, owner_id FROM tenants ORDER BY tenant_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.OwnerID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) ServerByToken(ctx context.Context, token string) (Server, error) {
	if token == "" {
		return Server{}, ErrNotFound
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return scanServer(s.queryRow(ctx, s.db, "SELECT "+serverColumns+" FROM servers WHERE token = ?", token))
}

func (s *SQLStore) ServerByLabel(ctx context.Context, label string) (Server, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	srv, err := scanServer(s.queryRow(ctx, s.db, "SELECT "+serverColumns+" FROM servers WHERE label = ?", label))
	if errors.Is(err, ErrNotFound) {
		return Server{}, fmt.Errorf("server %q: %w", label, ErrNotFound)
	}
	return srv, err
}

func (s *SQLStore) insertServer(ctx context.Context, q sqlExecer, label, token string) (Server, error) {
	label = strings.TrimSpace(label)
	if label == "" || token == "" {
		return Server{}, ErrInvalidInput
	}
	srv, err := scanServer(s.queryRow(ctx, q,
		"INSERT INTO servers (label, token, created_at) VALUES (?, ?, ?) RETURNING "+serverColumns,
		label, token, s.now().Unix()))
	if err != nil && isUniqueViolation(err) {
		return Server{}, fmt.Errorf("%w: label or token already registered", ErrConflict)
	}
	return srv, err
}

func (s *SQLStore) CreateServer(ctx context.Context, label, token string) (Server, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.insertServer(ctx, s.db, label, token)
}

func (s *SQLStore) ReplaceServerToken(ctx context.Context, label, expected, next string) (Server, error) {
	if next == "" {
		return Server{}, ErrInvalidInput
	}
	var out Server
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		current, err := scanServer(s.queryRow(ctx, tx,
			"SELECT "+serverColumns+" FROM servers WHERE label = ?"+s.dialect.forUpdate, label))
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("server %q: %w", label, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if expected != "" && subtle.ConstantTimeCompare([]byte(current.Token), []byte(expected)) != 1 {
			return ErrTokenInvalid
		}
		out, err = scanServer(s.queryRow(ctx, tx,
			"UPDATE servers SET token = ?, rotated_at = ? WHERE id = ? RETURNING "+serverColumns,
			next, s.now().Unix(), current.ID))
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("%w: token already in use", ErrConflict)
		}
		return err
	})
	return out, err
}

// ensureLink creates the tenant row and the link row if missing.
func (s *SQLStore) ensureLink(ctx context.Context, tx *sql.Tx, serverID int64, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrInvalidInput
	}
	var found int
	err := s.queryRow(ctx, tx, "SELECT 1 FROM servers WHERE id = ?", serverID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("server %d: %w", serverID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, tx,
		"INSERT INTO tenants (tenant_id) VALUES (?) ON CONFLICT (tenant_id) DO NOTHING", tenantID); err != nil {
		return err
	}
	_, err = s.exec(ctx, tx, `
		INSERT INTO server_links (server_id, tenant_id) VALUES (?, ?)
		ON CONFLICT (server_id, tenant_id) DO NOTHING`, serverID, tenantID)
	return err
}

func (s *SQLStore) LinkServer(ctx context.Context, serverID int64, tenantID string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.ensureLink(ctx, tx, serverID, tenantID)
	})
}

func (s *SQLStore) UnlinkServer(ctx context.Context, serverID int64, tenantID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.exec(ctx, s.db, "DELETE FROM server_links WHERE server_id = ? AND tenant_id = ?", serverID, tenantID)
	return err
}

func (s *SQLStore) IsLinked(ctx context.Context, serverID int64, tenantID string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var found int
	err := s.queryRow(ctx, s.db,
		"SELECT 1 FROM server_links WHERE server_id = ? AND tenant_id = ?", serverID, tenantID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) LinkedTenants(ctx context.Context, serverID int64) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.query(ctx, s.db,
		"SELECT tenant_id FROM server_links WHERE server_id = ? ORDER BY tenant_id", serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) LinkedServers(ctx context.Context, tenantID string) ([]Server, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.query(ctx, s.db, `
		SELECT s.id, s.label, s.token, s.created_at, s.rotated_at
		FROM servers s JOIN server_links l ON l.server_id = s.id
		WHERE l.tenant_id = ?
		ORDER BY s.label`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetDefaultChannel(ctx context.Context, serverID int64, tenantID, channelID string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.ensureLink(ctx, tx, serverID, tenantID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx,
			"UPDATE server_links SET default_channel_id = ? WHERE server_id = ? AND tenant_id = ?",
			channelID, serverID, tenantID)
		return err
	})
}

func (s *SQLStore) SetCategory(ctx context.Context, serverID int64, tenantID, categoryID string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.ensureLink(ctx, tx, serverID, tenantID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx,
			"UPDATE server_links SET category_id = ? WHERE server_id = ? AND tenant_id = ?",
			categoryID, serverID, tenantID)
		return err
	})
}

func (s *SQLStore) SetEventChannel(ctx context.Context, serverID int64, tenantID string, eventType EventType, channelID string) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %s", ErrUnrecognizedEventType, eventType)
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.ensureLink(ctx, tx, serverID, tenantID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `
			INSERT INTO server_event_channels (server_id, tenant_id, event_type, channel_id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (server_id, tenant_id, event_type) DO UPDATE SET channel_id = EXCLUDED.channel_id`,
			serverID, tenantID, string(eventType), channelID)
		return err
	})
}

func (s *SQLStore) Link(ctx context.Context, serverID int64, tenantID string) (LinkConfig, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	cfg := LinkConfig{EventChannels: map[EventType]string{}}
	err := s.queryRow(ctx, s.db,
		"SELECT default_channel_id, category_id FROM server_links WHERE server_id = ? AND tenant_id = ?",
		serverID, tenantID).Scan(&cfg.DefaultChannel, &cfg.CategoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return LinkConfig{}, fmt.Errorf("link %s: %w", linkKey(serverID, tenantID), ErrNotFound)
	}
	if err != nil {
		return LinkConfig{}, err
	}
	rows, err := s.query(ctx, s.db,
		"SELECT event_type, channel_id FROM server_event_channels WHERE server_id = ? AND tenant_id = ?",
		serverID, tenantID)
	if err != nil {
		return LinkConfig{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var eventType, channelID string
		if err := rows.Scan(&eventType, &channelID); err != nil {
			return LinkConfig{}, err
		}
		cfg.EventChannels[EventType(eventType)] = channelID
	}
	return cfg, rows.Err()
}

func (s *SQLStore) GrantRole(ctx context.Context, tenantID, roleID string) error {
	if tenantID == "" || roleID == "" {
		return ErrInvalidInput
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx,
			"INSERT INTO tenants (tenant_id) VALUES (?) ON CONFLICT (tenant_id) DO NOTHING", tenantID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `
			INSERT INTO tenant_role_grants (tenant_id, role_id) VALUES (?, ?)
			ON CONFLICT (tenant_id, role_id) DO NOTHING`, tenantID, roleID)
		return err
	})
}

func (s *SQLStore) RevokeRole(ctx context.Context, tenantID, roleID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.exec(ctx, s.db, "DELETE FROM tenant_role_grants WHERE tenant_id = ? AND role_id = ?", tenantID, roleID)
	return err
}

func (s *SQLStore) ListRoles(ctx context.Context, tenantID string) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.query(ctx, s.db,
		"SELECT role_id FROM tenant_role_grants WHERE tenant_id = ? ORDER BY role_id", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutLegacyTenant(ctx context.Context, legacy LegacyTenant) error {
	if legacy.TenantID == "" || legacy.Token == "" {
		return ErrInvalidInput
	}
	var migratedAt int64
	if !legacy.MigratedAt.IsZero() {
		migratedAt = legacy.MigratedAt.Unix()
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
			INSERT INTO tenants (tenant_id, legacy_token, legacy_default_channel_id, legacy_migrated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id) DO UPDATE SET
				legacy_token = EXCLUDED.legacy_token,
				legacy_default_channel_id = EXCLUDED.legacy_default_channel_id,
				legacy_migrated_at = EXCLUDED.legacy_migrated_at`,
			legacy.TenantID, legacy.Token, legacy.DefaultChannel, migratedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: legacy token already in use", ErrConflict)
			}
			return err
		}
		if _, err := s.exec(ctx, tx, "DELETE FROM tenant_event_channels WHERE tenant_id = ?", legacy.TenantID); err != nil {
			return err
		}
		for eventType, channelID := range legacy.EventChannels {
			if _, err := s.exec(ctx, tx,
				"INSERT INTO tenant_event_channels (tenant_id, event_type, channel_id) VALUES (?, ?, ?)",
				legacy.TenantID, string(eventType), channelID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) MigrateLegacyToken(ctx context.Context, token string) (Server, error) {
	if token == "" {
		return Server{}, ErrNotFound
	}
	var out Server
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var tenantID, defaultChannel string
		err := s.queryRow(ctx, tx, `
			SELECT tenant_id, legacy_default_channel_id FROM tenants
			WHERE legacy_token = ? AND legacy_migrated_at = 0`+s.dialect.forUpdate, token).
			Scan(&tenantID, &defaultChannel)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		routes := map[string]string{}
		rows, err := s.query(ctx, tx,
			"SELECT event_type, channel_id FROM tenant_event_channels WHERE tenant_id = ?", tenantID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var eventType, channelID string
			if err := rows.Scan(&eventType, &channelID); err != nil {
				rows.Close()
				return err
			}
			routes[eventType] = channelID
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		srv, err := s.insertServer(ctx, tx, legacyLabel(tenantID), token)
		if err != nil {
			return err
		}
		if err := s.ensureLink(ctx, tx, srv.ID, tenantID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx,
			"UPDATE server_links SET default_channel_id = ? WHERE server_id = ? AND tenant_id = ?",
			defaultChannel, srv.ID, tenantID); err != nil {
			return err
		}
		for eventType, channelID := range routes {
			if _, err := s.exec(ctx, tx,
				"INSERT INTO server_event_channels (server_id, tenant_id, event_type, channel_id) VALUES (?, ?, ?, ?)",
				srv.ID, tenantID, eventType, channelID); err != nil {
				return err
			}
		}
		if _, err := s.exec(ctx, tx,
			"UPDATE tenants SET legacy_migrated_at = ? WHERE tenant_id = ?", s.now().Unix(), tenantID); err != nil {
			return err
		}
		out = srv
		return nil
	})
	return out, err
}
