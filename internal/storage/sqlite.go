package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
	"github.com/hyperjump/fednlp/internal/vocab"
)

// SQLiteStore implements Store using SQLite and also keeps vocabulary vectors.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS component_states (
		pipeline TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		owner TEXT,
		access TEXT,
		config TEXT,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (pipeline, name)
	);

	CREATE TABLE IF NOT EXISTS pipelines (
		name TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS vectors (
		vocab TEXT NOT NULL,
		word TEXT NOT NULL,
		vector BLOB NOT NULL,
		PRIMARY KEY (vocab, word)
	);

	CREATE INDEX IF NOT EXISTS idx_states_pipeline ON component_states(pipeline);
	`
	_, err := db.Exec(schema)
	return err
}

// PutState inserts or replaces a state.
func (s *SQLiteStore) PutState(ctx context.Context, st pipe.State) error {
	accessJSON, err := json.Marshal(st.Access)
	if err != nil {
		return fmt.Errorf("failed to marshal access: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO component_states (pipeline, name, type, owner, access, config, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pipeline, name) DO UPDATE SET
		   type = excluded.type, owner = excluded.owner, access = excluded.access,
		   config = excluded.config, updated_at = excluded.updated_at`,
		st.Pipeline, st.Name, string(st.Type), st.Owner, string(accessJSON), string(st.Config), time.Now(),
	)
	return err
}

// GetState returns the state stored for pipeline/name.
func (s *SQLiteStore) GetState(ctx context.Context, pipeline, name string) (pipe.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT pipeline, name, type, owner, access, config
		 FROM component_states WHERE pipeline = ? AND name = ?`, pipeline, name,
	)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return pipe.State{}, fmt.Errorf("%w: state %s", nlperr.ErrObjectNotFound, pipe.StateKey(pipeline, name))
	}
	return st, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (pipe.State, error) {
	var st pipe.State
	var typ, accessJSON, config string
	var owner sql.NullString
	if err := row.Scan(&st.Pipeline, &st.Name, &typ, &owner, &accessJSON, &config); err != nil {
		return pipe.State{}, err
	}
	st.Type = pipe.TypeTag(typ)
	st.Owner = owner.String
	if accessJSON != "" && accessJSON != "null" {
		if err := json.Unmarshal([]byte(accessJSON), &st.Access); err != nil {
			return pipe.State{}, fmt.Errorf("failed to unmarshal access: %w", err)
		}
	}
	if config != "" {
		st.Config = json.RawMessage(config)
	}
	return st, nil
}

// ListStates returns the states of one pipeline ordered by name.
func (s *SQLiteStore) ListStates(ctx context.Context, pipeline string) ([]pipe.State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pipeline, name, type, owner, access, config
		 FROM component_states WHERE pipeline = ? ORDER BY name`, pipeline,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipe.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteState removes a state.
func (s *SQLiteStore) DeleteState(ctx context.Context, pipeline, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM component_states WHERE pipeline = ? AND name = ?`, pipeline, name)
	return err
}

// PutPipeline inserts or replaces a pipeline definition.
func (s *SQLiteStore) PutPipeline(ctx context.Context, def pipe.Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (name, definition, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		def.Name, string(data), time.Now(),
	)
	return err
}

// GetPipeline returns a pipeline definition by name.
func (s *SQLiteStore) GetPipeline(ctx context.Context, name string) (pipe.Definition, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM pipelines WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return pipe.Definition{}, fmt.Errorf("%w: pipeline %s", nlperr.ErrObjectNotFound, name)
	}
	if err != nil {
		return pipe.Definition{}, err
	}
	var def pipe.Definition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return pipe.Definition{}, fmt.Errorf("failed to unmarshal pipeline: %w", err)
	}
	return def, nil
}

// ListPipelines returns the stored pipeline names.
func (s *SQLiteStore) ListPipelines(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pipelines ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// CountStates returns the total number of states.
func (s *SQLiteStore) CountStates(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM component_states`).Scan(&count)
	return count, err
}

// SaveVectors stores every entry of table under the vocabulary name in one transaction.
func (s *SQLiteStore) SaveVectors(ctx context.Context, vocabName string, table *vocab.VectorTable) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO vectors (vocab, word, vector) VALUES (?, ?, ?)
		 ON CONFLICT(vocab, word) DO UPDATE SET vector = excluded.vector`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for word, vec := range table.Entries() {
		if _, err := stmt.ExecContext(ctx, vocabName, word, encodeVector(vec)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadVectors reads every vector of a vocabulary into a table.
func (s *SQLiteStore) LoadVectors(ctx context.Context, vocabName string, dimensions int) (*vocab.VectorTable, error) {
	table, err := vocab.NewVectorTable(dimensions)
	if err != nil {
		return nil, err
	}
	vectors, err := readVectors(ctx, s.db, vocabName)
	if err != nil {
		return nil, err
	}
	for word, vec := range vectors {
		if err := table.Add(word, vec); err != nil {
			return nil, fmt.Errorf("vector %q: %w", word, err)
		}
	}
	return table, nil
}

func readVectors(ctx context.Context, db *sql.DB, vocabName string) (map[string][]float32, error) {
	rows, err := db.QueryContext(ctx, `SELECT word, vector FROM vectors WHERE vocab = ?`, vocabName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]float32)
	for rows.Next() {
		var word string
		var blob []byte
		if err := rows.Scan(&word, &blob); err != nil {
			return nil, err
		}
		out[word] = decodeVector(blob)
	}
	return out, rows.Err()
}

// Vectors returns a vocab.VectorSource that looks words up in the database on demand.
// Wrap it in a vocab.VectorCache to avoid a query per token.
func (s *SQLiteStore) Vectors(vocabName string, dimensions int) vocab.VectorSource {
	return &sqliteVectors{db: s.db, vocab: vocabName, dimensions: dimensions}
}

type sqliteVectors struct {
	db         *sql.DB
	vocab      string
	dimensions int
}

func (v *sqliteVectors) Dimensions() int { return v.dimensions }

func (v *sqliteVectors) Lookup(word string) ([]float32, bool) {
	var blob []byte
	err := v.db.QueryRow(`SELECT vector FROM vectors WHERE vocab = ? AND word = ?`, v.vocab, word).Scan(&blob)
	if err != nil {
		return nil, false
	}
	vec := decodeVector(blob)
	if len(vec) != v.dimensions {
		return nil, false
	}
	return vec, true
}

// ExportVectors lists every vector of the vocabulary with the source's dimension.
func (v *sqliteVectors) ExportVectors(ctx context.Context) (map[string][]float32, error) {
	all, err := readVectors(ctx, v.db, v.vocab)
	if err != nil {
		return nil, err
	}
	for word, vec := range all {
		if len(vec) != v.dimensions {
			delete(all, word)
		}
	}
	return all, nil
}

func encodeVector(vec []float32) []byte {
	b := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return vec
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
