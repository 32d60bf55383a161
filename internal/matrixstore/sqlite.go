// Package matrixstore persists scan snapshots, as a SQLite database for
// incremental re-scans and as a JSON document for downstream tooling.
package matrixstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"codescan/internal/matrix"
)

// SQLiteStore holds one scan's matrix in a SQLite database. Each Persist
// call replaces the previous contents; the hash table survives across runs
// so unchanged files can be recognized.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		content_hash TEXT NOT NULL,
		size_bytes INTEGER,
		language TEXT,
		token_count INTEGER,
		scanned_at TIMESTAMP,
		status TEXT NOT NULL,
		summary TEXT,
		issues TEXT
	);
	CREATE TABLE IF NOT EXISTS symbols (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		signature TEXT,
		line_start INTEGER,
		line_end INTEGER,
		complexity INTEGER,
		is_exported BOOLEAN,
		summary TEXT,
		issues TEXT,
		FOREIGN KEY(file_id) REFERENCES files(id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS edges (
		source_id TEXT NOT NULL,
		target_id TEXT,
		target_name TEXT,
		kind TEXT NOT NULL,
		resolved BOOLEAN,
		line INTEGER
	);
	CREATE TABLE IF NOT EXISTS externals (
		name TEXT NOT NULL,
		version TEXT,
		ecosystem TEXT
	);
	CREATE TABLE IF NOT EXISTS scan_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Persist replaces the stored matrix with the given snapshot, atomically.
func (s *SQLiteStore) Persist(snap *matrix.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := persistSnapshot(tx, snap); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return tx.Commit()
}

func persistSnapshot(tx *sql.Tx, snap *matrix.Snapshot) error {
	for _, table := range []string{"edges", "symbols", "externals", "files", "scan_meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}

	fileStmt, err := tx.Prepare(`INSERT INTO files (
		id, path, content_hash, size_bytes, language, token_count,
		scanned_at, status, summary, issues
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer fileStmt.Close()
	for _, f := range snap.Files {
		issuesJSON, _ := json.Marshal(f.Issues)
		if _, err := fileStmt.Exec(
			string(f.ID), f.Path, f.Hash, f.SizeBytes, f.Language, f.Tokens,
			f.ScannedAt.UTC(), string(f.Status), f.Summary, string(issuesJSON),
		); err != nil {
			return err
		}
	}

	symStmt, err := tx.Prepare(`INSERT INTO symbols (
		id, file_id, kind, name, signature, line_start, line_end,
		complexity, is_exported, summary, issues
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer symStmt.Close()
	for _, sym := range snap.Symbols {
		issuesJSON, _ := json.Marshal(sym.Issues)
		if _, err := symStmt.Exec(
			string(sym.ID), string(sym.FileID), sym.Kind, sym.Name, sym.Signature,
			sym.LineStart, sym.LineEnd, sym.Complexity, sym.Exported,
			sym.Summary, string(issuesJSON),
		); err != nil {
			return err
		}
	}

	edgeStmt, err := tx.Prepare(`INSERT INTO edges (
		source_id, target_id, target_name, kind, resolved, line
	) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer edgeStmt.Close()
	for _, e := range snap.Edges {
		if _, err := edgeStmt.Exec(
			string(e.Source), string(e.Target), e.TargetName,
			string(e.Kind), e.Resolved, e.Line,
		); err != nil {
			return err
		}
	}

	extStmt, err := tx.Prepare(`INSERT INTO externals (name, version, ecosystem) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer extStmt.Close()
	for _, ext := range snap.Externals {
		if _, err := extStmt.Exec(ext.Name, ext.Version, ext.Ecosystem); err != nil {
			return err
		}
	}

	meta := map[string]string{
		"taken_at":           snap.TakenAt.UTC().Format(time.RFC3339),
		"integrity_warnings": fmt.Sprintf("%d", snap.IntegrityWarnings),
	}
	for key, value := range meta {
		if _, err := tx.Exec(`INSERT INTO scan_meta (key, value) VALUES (?, ?)`, key, value); err != nil {
			return err
		}
	}
	return nil
}

// LoadHashes returns the path to content-hash table from the last persisted
// scan. An empty map means no prior scan exists.
func (s *SQLiteStore) LoadHashes() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT path, content_hash FROM files`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, err
		}
		hashes[path] = hash
	}
	return hashes, rows.Err()
}

// LoadSnapshot rebuilds the persisted snapshot. Order matches what Persist
// received, since snapshots are already sorted when taken.
func (s *SQLiteStore) LoadSnapshot() (*matrix.Snapshot, error) {
	snap := &matrix.Snapshot{}

	rows, err := s.db.Query(`SELECT id, path, content_hash, size_bytes, language,
		token_count, scanned_at, status, summary, issues FROM files ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var f matrix.FileNode
		var id, status, issuesJSON string
		if err := rows.Scan(&id, &f.Path, &f.Hash, &f.SizeBytes, &f.Language,
			&f.Tokens, &f.ScannedAt, &status, &f.Summary, &issuesJSON); err != nil {
			return nil, err
		}
		f.ID = matrix.NodeID(id)
		f.Status = matrix.FileStatus(status)
		if issuesJSON != "" {
			json.Unmarshal([]byte(issuesJSON), &f.Issues)
		}
		snap.Files = append(snap.Files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	symRows, err := s.db.Query(`SELECT id, file_id, kind, name, signature, line_start,
		line_end, complexity, is_exported, summary, issues FROM symbols ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer symRows.Close()
	for symRows.Next() {
		var sym matrix.SymbolNode
		var id, fileID, issuesJSON string
		if err := symRows.Scan(&id, &fileID, &sym.Kind, &sym.Name, &sym.Signature,
			&sym.LineStart, &sym.LineEnd, &sym.Complexity, &sym.Exported,
			&sym.Summary, &issuesJSON); err != nil {
			return nil, err
		}
		sym.ID = matrix.NodeID(id)
		sym.FileID = matrix.NodeID(fileID)
		if issuesJSON != "" {
			json.Unmarshal([]byte(issuesJSON), &sym.Issues)
		}
		snap.Symbols = append(snap.Symbols, sym)
	}
	if err := symRows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := s.db.Query(`SELECT source_id, target_id, target_name, kind,
		resolved, line FROM edges`)
	if err != nil {
		return nil, err
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var e matrix.Edge
		var source, target, kind string
		if err := edgeRows.Scan(&source, &target, &e.TargetName, &kind, &e.Resolved, &e.Line); err != nil {
			return nil, err
		}
		e.Source = matrix.NodeID(source)
		e.Target = matrix.NodeID(target)
		e.Kind = matrix.EdgeKind(kind)
		snap.Edges = append(snap.Edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, err
	}

	extRows, err := s.db.Query(`SELECT name, version, ecosystem FROM externals`)
	if err != nil {
		return nil, err
	}
	defer extRows.Close()
	for extRows.Next() {
		var ext matrix.ExternalNode
		if err := extRows.Scan(&ext.Name, &ext.Version, &ext.Ecosystem); err != nil {
			return nil, err
		}
		snap.Externals = append(snap.Externals, ext)
	}
	if err := extRows.Err(); err != nil {
		return nil, err
	}

	var takenAt string
	err = s.db.QueryRow(`SELECT value FROM scan_meta WHERE key = 'taken_at'`).Scan(&takenAt)
	if err == nil {
		if ts, perr := time.Parse(time.RFC3339, takenAt); perr == nil {
			snap.TakenAt = ts
		}
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	var warnings int
	if err := s.db.QueryRow(`SELECT value FROM scan_meta WHERE key = 'integrity_warnings'`).Scan(&warnings); err == nil {
		snap.IntegrityWarnings = warnings
	}

	return snap, nil
}

// Stats aggregates row counts for the report command.
type Stats struct {
	Files     int
	Symbols   int
	Edges     int
	Externals int
}

// Stats returns row counts from the persisted matrix.
func (s *SQLiteStore) Stats() (Stats, error) {
	var st Stats
	for _, q := range []struct {
		table string
		dst   *int
	}{
		{"files", &st.Files},
		{"symbols", &st.Symbols},
		{"edges", &st.Edges},
		{"externals", &st.Externals},
	} {
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + q.table).Scan(q.dst); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}
