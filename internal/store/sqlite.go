package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"gwi.com/contract-assistant/internal/errs"
	"gwi.com/contract-assistant/internal/utils"
)

const sqliteDefaultParams = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	if !strings.Contains(dataSourceName, "?") {
		dataSourceName += "?" + sqliteDefaultParams
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS contracts (
        id TEXT PRIMARY KEY,
        title TEXT NOT NULL,
        company_id TEXT NOT NULL,
        content TEXT NOT NULL DEFAULT '',
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_contracts_company ON contracts (company_id);

    CREATE TABLE IF NOT EXISTS contract_embeddings (
        contract_id TEXT NOT NULL,
        chunk_index INTEGER NOT NULL,
        chunk_text TEXT NOT NULL,
        embedding_json TEXT NOT NULL, -- JSON array of float32
        dimension INTEGER NOT NULL,
        created_at INTEGER NOT NULL, -- unix nanoseconds
        updated_at INTEGER NOT NULL,
        source_version INTEGER NOT NULL, -- contract updated_at the chunk was embedded from
        PRIMARY KEY (contract_id, chunk_index)
    );

    CREATE TABLE IF NOT EXISTS embedding_leases (
        contract_id TEXT PRIMARY KEY,
        holder TEXT NOT NULL,
        expires_at INTEGER NOT NULL -- unix nanoseconds
    );

    CREATE TABLE IF NOT EXISTS chat_messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        contract_id TEXT,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, id);

    CREATE TABLE IF NOT EXISTS chat_session_titles (
        session_id TEXT PRIMARY KEY,
        title TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Contract methods

func (s *SQLiteStore) UpsertContract(ctx context.Context, c Contract) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO contracts (id, title, company_id, content, updated_at) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET title = excluded.title, company_id = excluded.company_id,
            content = excluded.content, updated_at = excluded.updated_at`,
		c.ID, c.Title, c.CompanyID, c.Content, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert contract: %w", err)
	}
	return nil
}

// GetContract returns errs.NotFoundError when the contract does not exist.
func (s *SQLiteStore) GetContract(ctx context.Context, id string) (*Contract, error) {
	var c Contract
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, company_id, content, updated_at FROM contracts WHERE id = ?", id,
	).Scan(&c.ID, &c.Title, &c.CompanyID, &c.Content, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("contract", id)
		}
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListContractIDsByCompany(ctx context.Context, companyID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM contracts WHERE company_id = ? ORDER BY id", companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan contract id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ListAllContractIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM contracts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan contract id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteContract removes the contract and any of its embeddings kept in this
// database. Embeddings in another vector backend are deleted by the caller.
func (s *SQLiteStore) DeleteContract(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin contract delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM contract_embeddings WHERE contract_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete contract embeddings: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM contracts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete contract: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.NotFound("contract", id)
	}
	return tx.Commit()
}

// Embedding methods

// ReplaceEmbeddings swaps the full embedding set of a contract in one
// transaction. sourceVersion is the UpdatedAt of the contract revision the
// records were built from. The earliest created_at of the previous
// generation is kept.
func (s *SQLiteStore) ReplaceEmbeddings(ctx context.Context, contractID string, sourceVersion time.Time, records []EmbeddingRecord) error {
	if sourceVersion.IsZero() {
		return errors.New("embedding source version is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin embedding replace: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	createdAt := now
	var prevCreated sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MIN(created_at) FROM contract_embeddings WHERE contract_id = ?", contractID,
	).Scan(&prevCreated); err != nil {
		return fmt.Errorf("failed to read previous embeddings: %w", err)
	}
	if prevCreated.Valid {
		createdAt = time.Unix(0, prevCreated.Int64)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM contract_embeddings WHERE contract_id = ?", contractID); err != nil {
		return fmt.Errorf("failed to delete previous embeddings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO contract_embeddings (contract_id, chunk_index, chunk_text, embedding_json, dimension, created_at, updated_at, source_version)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare embedding insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.ContractID != contractID {
			return fmt.Errorf("record for contract %q in replace set of %q", rec.ContractID, contractID)
		}
		embeddingBytes, err := json.Marshal(rec.Vector)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			contractID, rec.ChunkIndex, rec.ChunkText, string(embeddingBytes), len(rec.Vector),
			createdAt.UnixNano(), now.UnixNano(), sourceVersion.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert embedding %d: %w", rec.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit embedding replace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteEmbeddings(ctx context.Context, contractID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM contract_embeddings WHERE contract_id = ?", contractID); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountEmbeddings(ctx context.Context, contractID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM contract_embeddings WHERE contract_id = ?", contractID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

// EmbeddedVersion returns the contract revision a contract's embeddings were
// built from and their count. The time is zero when there are none.
func (s *SQLiteStore) EmbeddedVersion(ctx context.Context, contractID string) (time.Time, int, error) {
	var latest sql.NullInt64
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT MAX(source_version), COUNT(*) FROM contract_embeddings WHERE contract_id = ?", contractID,
	).Scan(&latest, &n); err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to read embedding freshness: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, 0, nil
	}
	return time.Unix(0, latest.Int64), n, nil
}

// ListEmbeddings returns the records of the given contracts, or of every
// contract when contractIDs is empty, ordered by contract and chunk index.
func (s *SQLiteStore) ListEmbeddings(ctx context.Context, contractIDs []string) ([]EmbeddingRecord, error) {
	query, args := withContractFilter(
		"SELECT contract_id, chunk_index, chunk_text, embedding_json, created_at, updated_at, source_version FROM contract_embeddings",
		contractIDs)
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY contract_id, chunk_index", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	var records []EmbeddingRecord
	for rows.Next() {
		var rec EmbeddingRecord
		var embeddingJSON string
		var created, updated, version int64
		if err := rows.Scan(&rec.ContractID, &rec.ChunkIndex, &rec.ChunkText, &embeddingJSON, &created, &updated, &version); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &rec.Vector); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding for contract %s chunk %d: %w", rec.ContractID, rec.ChunkIndex, err)
		}
		rec.CreatedAt = time.Unix(0, created)
		rec.UpdatedAt = time.Unix(0, updated)
		rec.SourceVersion = time.Unix(0, version)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) ListChunks(ctx context.Context, contractIDs []string) ([]ChunkText, error) {
	query, args := withContractFilter("SELECT contract_id, chunk_index, chunk_text FROM contract_embeddings", contractIDs)
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY contract_id, chunk_index", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []ChunkText
	for rows.Next() {
		var c ChunkText
		if err := rows.Scan(&c.ContractID, &c.ChunkIndex, &c.Text); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SearchSimilar scores every candidate record against query in process and
// returns the best limit hits, at most perContract of them per contract when
// perContract is positive. A stored vector whose dimension differs from the
// query is a configuration error.
func (s *SQLiteStore) SearchSimilar(ctx context.Context, query []float32, contractIDs []string, limit, perContract int) ([]ScoredChunk, error) {
	if limit < 1 {
		return nil, nil
	}
	records, err := s.ListEmbeddings(ctx, contractIDs)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredChunk, 0, len(records))
	for _, rec := range records {
		similarity, err := utils.CosineSimilarity(query, rec.Vector)
		if err != nil {
			var dm *utils.DimensionMismatchError
			if errors.As(err, &dm) {
				return nil, errs.NewConfigurationError("EMBEDDING_DIMENSION",
					"stored vector for contract %s chunk %d has dimension %d, query has %d",
					rec.ContractID, rec.ChunkIndex, dm.Got, dm.Want)
			}
			return nil, fmt.Errorf("similarity for contract %s chunk %d: %w", rec.ContractID, rec.ChunkIndex, err)
		}
		scored = append(scored, ScoredChunk{
			ContractID: rec.ContractID,
			ChunkIndex: rec.ChunkIndex,
			Text:       rec.ChunkText,
			Score:      similarity,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].ChunkIndex != scored[j].ChunkIndex {
			return scored[i].ChunkIndex < scored[j].ChunkIndex
		}
		return scored[i].ContractID < scored[j].ContractID
	})

	hits := scored[:0]
	perContractSeen := make(map[string]int)
	for _, sc := range scored {
		if perContract > 0 && perContractSeen[sc.ContractID] >= perContract {
			continue
		}
		perContractSeen[sc.ContractID]++
		hits = append(hits, sc)
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// AcquireLease takes the regeneration lease for a contract unless another
// holder has an unexpired one. Expired leases are taken over.
func (s *SQLiteStore) AcquireLease(ctx context.Context, contractID, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO embedding_leases (contract_id, holder, expires_at) VALUES (?, ?, ?)
        ON CONFLICT(contract_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
        WHERE embedding_leases.expires_at <= ?`,
		contractID, holder, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease result: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, contractID, holder string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM embedding_leases WHERE contract_id = ? AND holder = ?", contractID, holder,
	); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Chat message methods

// AppendExchange writes the user and assistant messages of one turn in a
// single transaction, in that order.
func (s *SQLiteStore) AppendExchange(ctx context.Context, userMsg, assistantMsg *ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin message insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO chat_messages (session_id, user_id, contract_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range []*ChatMessage{userMsg, assistantMsg} {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		res, err := stmt.ExecContext(ctx, msg.SessionID, msg.UserID, msg.ContractID, msg.Role, msg.Content, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to execute message insert: %w", err)
		}
		msg.ID, _ = res.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

// GetSessionMessages returns the last limit messages of a session, oldest
// first. A limit <= 0 returns the whole session.
func (s *SQLiteStore) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	query := `
        SELECT id, session_id, user_id, contract_id, role, content, created_at
        FROM chat_messages
        WHERE session_id = ?
        ORDER BY id DESC
        LIMIT ?
    `
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var contractID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &contractID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if contractID.Valid {
			msg.ContractID = &contractID.String
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows were read newest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetSessionScope returns nil when the session has no messages yet.
func (s *SQLiteStore) GetSessionScope(ctx context.Context, sessionID string) (*SessionScope, error) {
	var scope SessionScope
	var contractID sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id, user_id, contract_id FROM chat_messages WHERE session_id = ? ORDER BY id ASC LIMIT 1", sessionID,
	).Scan(&scope.SessionID, &scope.UserID, &contractID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session scope: %w", err)
	}
	if contractID.Valid {
		scope.ContractID = &contractID.String
	}
	return &scope, nil
}

func (s *SQLiteStore) DeleteSessionMessages(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chat_messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chat_session_titles WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session title: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO chat_session_titles (session_id, title) VALUES (?, ?)
        ON CONFLICT(session_id) DO UPDATE SET title = excluded.title`, sessionID, title)
	if err != nil {
		return fmt.Errorf("failed to save session title: %w", err)
	}
	return nil
}

// GetSessionTitle returns "" when no title has been generated.
func (s *SQLiteStore) GetSessionTitle(ctx context.Context, sessionID string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx, "SELECT title FROM chat_session_titles WHERE session_id = ?", sessionID).Scan(&title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get session title: %w", err)
	}
	return title, nil
}

func withContractFilter(base string, contractIDs []string) (string, []any) {
	if len(contractIDs) == 0 {
		return base, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(contractIDs)), ",")
	args := make([]any, len(contractIDs))
	for i, id := range contractIDs {
		args[i] = id
	}
	return base + " WHERE contract_id IN (" + placeholders + ")", args
}
