package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrEmptyContent is returned when a caller tries to persist a message with
// no content. An empty message must never hit the history.
var ErrEmptyContent = errors.New("message content is empty")

// Store wraps a SQLite database with methods for users, personas, messages,
// notifications, and push subscriptions.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "banthan.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Users ---

// CreateUser mints a new user with a fresh API token.
func (s *Store) CreateUser(name string) (User, error) {
	u := User{
		ID:        uuid.NewString(),
		Name:      name,
		Token:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`INSERT INTO users (id, name, token, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Token, u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// UserByToken resolves an API token to its user.
func (s *Store) UserByToken(token string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRow(`SELECT id, name, token, created_at FROM users WHERE token = ?`, token).
		Scan(&u.ID, &u.Name, &u.Token, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return u, nil
}

// --- Personas ---

const personaColumns = "id, user_id, name, description, tone, style, language, rules, avatar_url, auto_times, created_at, updated_at"

func scanPersona(scan func(dest ...any) error) (Persona, error) {
	var p Persona
	var rules, autoTimes, createdAt, updatedAt string
	err := scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.Tone, &p.Style,
		&p.Language, &rules, &p.AvatarURL, &autoTimes, &createdAt, &updatedAt)
	if err != nil {
		return Persona{}, err
	}
	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return Persona{}, fmt.Errorf("parsing rules: %w", err)
	}
	if err := json.Unmarshal([]byte(autoTimes), &p.AutoMessageTimes); err != nil {
		return Persona{}, fmt.Errorf("parsing auto_times: %w", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Persona{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Persona{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

// CreatePersona inserts a persona and fills in its ID and timestamps.
func (s *Store) CreatePersona(p Persona) (Persona, error) {
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	if p.Name == "" {
		p.Name = "Assistant"
	}
	_, err := s.db.Exec(`
		INSERT INTO personas (`+personaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.Description, p.Tone, p.Style, p.Language,
		marshalStrings(p.Rules), p.AvatarURL, marshalStrings(p.AutoMessageTimes),
		p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Persona{}, err
	}
	return p, nil
}

// UpdatePersona rewrites a persona's configuration. The update is scoped to
// the owning user; ErrNotFound means the persona is absent or owned by
// someone else.
func (s *Store) UpdatePersona(p Persona) (Persona, error) {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE personas
		SET name = ?, description = ?, tone = ?, style = ?, language = ?,
		    rules = ?, avatar_url = ?, auto_times = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		p.Name, p.Description, p.Tone, p.Style, p.Language,
		marshalStrings(p.Rules), p.AvatarURL, marshalStrings(p.AutoMessageTimes),
		p.UpdatedAt.Format(time.RFC3339), p.ID, p.UserID,
	)
	if err != nil {
		return Persona{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Persona{}, err
	}
	if n == 0 {
		return Persona{}, ErrNotFound
	}
	return s.PersonaByID(p.ID, p.UserID)
}

// DeletePersona removes a persona and its entire message history.
func (s *Store) DeletePersona(id, userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM personas WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE persona_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// PersonaByID fetches a persona scoped to its owner.
func (s *Store) PersonaByID(id, userID string) (Persona, error) {
	row := s.db.QueryRow(`SELECT `+personaColumns+` FROM personas WHERE id = ? AND user_id = ?`, id, userID)
	p, err := scanPersona(row.Scan)
	if err == sql.ErrNoRows {
		return Persona{}, ErrNotFound
	}
	return p, err
}

// ListPersonas returns all personas owned by a user, newest first.
func (s *Store) ListPersonas(userID string) ([]Persona, error) {
	rows, err := s.db.Query(`SELECT `+personaColumns+` FROM personas WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Persona
	for rows.Next() {
		p, err := scanPersona(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// AllPersonas returns every persona in the store. Used to rebuild the
// autonomous-message timer registry at startup.
func (s *Store) AllPersonas() ([]Persona, error) {
	rows, err := s.db.Query(`SELECT ` + personaColumns + ` FROM personas`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Persona
	for rows.Next() {
		p, err := scanPersona(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- Messages ---

const messageColumns = "id, persona_id, role, content, model, metadata, created_at_ns"

func scanMessage(scan func(dest ...any) error) (Message, error) {
	var m Message
	var meta sql.NullString
	var ns int64
	if err := scan(&m.ID, &m.PersonaID, &m.Role, &m.Content, &m.Model, &meta, &ns); err != nil {
		return Message{}, err
	}
	if meta.Valid && meta.String != "" {
		m.Meta = &MessageMeta{}
		if err := json.Unmarshal([]byte(meta.String), m.Meta); err != nil {
			return Message{}, fmt.Errorf("parsing metadata: %w", err)
		}
	}
	m.CreatedAt = time.Unix(0, ns).UTC()
	return m, nil
}

// AppendMessage adds a message to a persona's history. Empty content is
// rejected; a failed turn must never leave an empty record behind.
func (s *Store) AppendMessage(personaID, role, content, model string, meta *MessageMeta) (Message, error) {
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	m := Message{
		ID:        uuid.NewString(),
		PersonaID: personaID,
		Role:      role,
		Content:   content,
		Model:     model,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}

	var metaJSON any
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return Message{}, fmt.Errorf("marshalling metadata: %w", err)
		}
		metaJSON = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PersonaID, m.Role, m.Content, m.Model, metaJSON, m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// Messages returns up to limit messages of a persona's history, oldest to
// newest. When before is non-zero only messages created strictly earlier are
// considered. The page always holds the newest qualifying messages.
func (s *Store) Messages(personaID string, limit int, before time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE persona_id = ?`
	args := []any{personaID}
	if !before.IsZero() {
		query += ` AND created_at_ns < ?`
		args = append(args, before.UnixNano())
	}
	query += ` ORDER BY created_at_ns DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fetched newest-first for the limit; flip to oldest-first for callers.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// RecentMessages returns the newest n messages, oldest first.
func (s *Store) RecentMessages(personaID string, n int) ([]Message, error) {
	return s.Messages(personaID, n, time.Time{})
}

// CountMessages returns the number of stored messages for a persona.
func (s *Store) CountMessages(personaID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE persona_id = ?`, personaID).Scan(&count)
	return count, err
}

// TrimMessages enforces the retention cap: when the history holds more than
// cap messages, exactly count-cap of the oldest are deleted. Returns the
// number of messages removed.
func (s *Store) TrimMessages(personaID string, cap int) (int, error) {
	count, err := s.CountMessages(personaID)
	if err != nil {
		return 0, err
	}
	if count <= cap {
		return 0, nil
	}

	excess := count - cap
	res, err := s.db.Exec(`
		DELETE FROM messages WHERE id IN (
			SELECT id FROM messages WHERE persona_id = ?
			ORDER BY created_at_ns ASC, id ASC LIMIT ?
		)`, personaID, excess)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteMessagesFrom removes every message of a persona created at or after
// the given time.
func (s *Store) DeleteMessagesFrom(personaID string, from time.Time) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE persona_id = ? AND created_at_ns >= ?`,
		personaID, from.UnixNano())
	return err
}

// DeleteAllMessages wipes a persona's entire history.
func (s *Store) DeleteAllMessages(personaID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE persona_id = ?`, personaID)
	return err
}

// DeleteMessagesByIDs removes the given messages. Used for the compensating
// rollback of a failed turn.
func (s *Store) DeleteMessagesByIDs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`DELETE FROM messages WHERE id IN (?`+placeholders+`)`, args...)
	return err
}

// MessageByID fetches a single message.
func (s *Store) MessageByID(id string) (Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// LastAssistantMessage returns the persona's most recent assistant message,
// or ErrNotFound when it has none.
func (s *Store) LastAssistantMessage(personaID string) (Message, error) {
	row := s.db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE persona_id = ? AND role = ?
		ORDER BY created_at_ns DESC, id DESC LIMIT 1`, personaID, RoleAssistant)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// LastMessageByPersona returns the newest message of each persona owned by a
// user, keyed by persona id.
func (s *Store) LastMessageByPersona(userID string) (map[string]Message, error) {
	rows, err := s.db.Query(`
		SELECT `+prefixColumns("m", messageColumns)+` FROM messages m
		JOIN (
			SELECT persona_id, MAX(created_at_ns) AS max_ns
			FROM messages GROUP BY persona_id
		) latest ON latest.persona_id = m.persona_id AND latest.max_ns = m.created_at_ns
		JOIN personas p ON p.id = m.persona_id
		WHERE p.user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]Message)
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		result[m.PersonaID] = m
	}
	return result, rows.Err()
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, c := range parts {
		parts[i] = prefix + "." + c
	}
	return strings.Join(parts, ", ")
}

// --- Notifications ---

// AddNotification records an operational event for a user.
func (s *Store) AddNotification(n Notification) (Notification, error) {
	n.ID = uuid.NewString()
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO notifications (id, user_id, persona_id, category, name, message, time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.PersonaID, n.Category, n.Name, n.Message, n.Time.Format(time.RFC3339),
	)
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

// Notifications returns a user's notifications, newest first.
func (s *Store) Notifications(userID string) ([]Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, persona_id, category, name, message, time
		FROM notifications WHERE user_id = ? ORDER BY time DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Notification
	for rows.Next() {
		var n Notification
		var t string
		if err := rows.Scan(&n.ID, &n.UserID, &n.PersonaID, &n.Category, &n.Name, &n.Message, &t); err != nil {
			return nil, err
		}
		if n.Time, err = time.Parse(time.RFC3339, t); err != nil {
			return nil, fmt.Errorf("parsing time: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// CountNotifications returns how many notifications a user has.
func (s *Store) CountNotifications(userID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE user_id = ?`, userID).Scan(&count)
	return count, err
}

// DeleteNotificationsByCategory removes a user's notifications of one
// category and reports how many were deleted.
func (s *Store) DeleteNotificationsByCategory(userID, category string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM notifications WHERE user_id = ? AND category = ?`, userID, category)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Subscriptions ---

// SaveSubscription registers a push subscription, replacing any previous
// registration of the same endpoint.
func (s *Store) SaveSubscription(sub Subscription) (Subscription, error) {
	sub.ID = uuid.NewString()
	sub.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO subscriptions (id, user_id, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			user_id = excluded.user_id, p256dh = excluded.p256dh, auth = excluded.auth`,
		sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Subscriptions returns all push subscriptions registered for a user.
func (s *Store) Subscriptions(userID string) ([]Subscription, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, endpoint, p256dh, auth, created_at
		FROM subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Subscription
	for rows.Next() {
		var sub Subscription
		var createdAt string
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &createdAt); err != nil {
			return nil, err
		}
		if sub.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

// DeleteSubscription unregisters a user's subscription by endpoint.
func (s *Store) DeleteSubscription(userID, endpoint string) error {
	res, err := s.db.Exec(`DELETE FROM subscriptions WHERE user_id = ? AND endpoint = ?`, userID, endpoint)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
