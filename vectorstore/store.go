// Package vectorstore persists embedded chunks in SQLite with sqlite-vec
// and serves filtered nearest-neighbour and structural retrieval over two
// corpora: a long-lived reference corpus and per-document ephemeral ones.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	harvest "github.com/fieldlabs/harvest"
)

func init() {
	sqlite_vec.Auto()
}

// Corpus selects which chunk population a query runs against.
type Corpus string

const (
	CorpusReference Corpus = "reference"
	CorpusEphemeral Corpus = "ephemeral"
)

// Chunk is an embedded text unit with its attributes. Promoted attributes
// (indicator, year, doi, ...) are filterable; everything else rides along
// in the JSON blob and comes back on retrieval.
type Chunk struct {
	ID           int64             `json:"id,omitempty"`
	Content      string            `json:"content"`
	DocumentName string            `json:"document_name,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Attr returns the named attribute or "".
func (c Chunk) Attr(key string) string {
	return c.Attributes[key]
}

// Result is a retrieved chunk with its similarity score. Structural
// matches carry a zero score.
type Result struct {
	Chunk
	Score float64 `json:"score"`
}

// KNNQuery is a filtered nearest-neighbour search.
type KNNQuery struct {
	Vector       []float32
	K            int
	Corpus       Corpus
	DocumentName string // restricts an ephemeral search to one document
	// Filters maps a promoted attribute to its accepted values
	// (IN semantics; a single value means equality).
	Filters map[string][]string
}

// StructuralQuery selects chunks by attributes alone, restricted to rows
// that carry a DOI. It guarantees bibliographic evidence reaches the
// prompt even when embeddings rank it poorly.
type StructuralQuery struct {
	Corpus       Corpus
	DocumentName string
	Filters      map[string][]string
	Limit        int
}

// Stats holds corpus counts.
type Stats struct {
	ReferenceChunks int `json:"reference_chunks"`
	EphemeralChunks int `json:"ephemeral_chunks"`
	Embeddings      int `json:"embeddings"`
}

// Store wraps the SQLite database holding both corpora.
//
// Concurrency: reference swaps take the write lock so readers never see a
// half-rebuilt corpus; everything else shares the read lock. Ephemeral
// writes additionally serialise per document name, so concurrent pipeline
// runs on different documents do not block each other.
type Store struct {
	db           *sql.DB
	embeddingDim int

	mu     sync.RWMutex
	closed bool

	nameMu    sync.Mutex
	nameLocks map[string]*sync.Mutex
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{
		db:           db,
		embeddingDim: embeddingDim,
		nameLocks:    make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the underlying database connection. Further calls on the
// store return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// lockName returns the mutex serialising writes for one document name.
func (s *Store) lockName(name string) *sync.Mutex {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	m, ok := s.nameLocks[name]
	if !ok {
		m = &sync.Mutex{}
		s.nameLocks[name] = m
	}
	return m
}

// --- writes ---

// PutReference appends chunks to the reference corpus. Returns the number
// of chunks stored. Chunks with an empty vector are stored without an
// embedding; they stay reachable through structural search only.
func (s *Store) PutReference(ctx context.Context, chunks []Chunk, vectors [][]float32) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, harvest.ErrStoreClosed
	}
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.insertChunks(ctx, tx, chunks, vectors, true, "")
		return err
	})
	return n, err
}

// SwapReference atomically replaces the whole reference corpus with the
// given chunks. Readers see either the old corpus or the new one, never a
// mixture.
func (s *Store) SwapReference(ctx context.Context, chunks []Chunk, vectors [][]float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, harvest.ErrStoreClosed
	}
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE is_reference = 1
			)`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE is_reference = 1"); err != nil {
			return err
		}
		var err error
		n, err = s.insertChunks(ctx, tx, chunks, vectors, true, "")
		return err
	})
	return n, err
}

// PutEphemeral stores chunks for one uploaded document. Writes for the
// same document name are serialised; different documents proceed in
// parallel.
func (s *Store) PutEphemeral(ctx context.Context, documentName string, chunks []Chunk, vectors [][]float32) (int, error) {
	if documentName == "" {
		return 0, fmt.Errorf("%w: ephemeral chunks need a document name", harvest.ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, harvest.ErrStoreClosed
	}

	lock := s.lockName(documentName)
	lock.Lock()
	defer lock.Unlock()

	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.insertChunks(ctx, tx, chunks, vectors, false, documentName)
		return err
	})
	return n, err
}

// DeleteEphemeral removes all chunks loaded under the given document name.
// Deleting a name that was never loaded is a no-op.
func (s *Store) DeleteEphemeral(ctx context.Context, documentName string) error {
	if documentName == "" {
		return fmt.Errorf("%w: document name required", harvest.ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return harvest.ErrStoreClosed
	}

	lock := s.lockName(documentName)
	lock.Lock()
	defer lock.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE is_reference = 0 AND document_name = ?
			)`, documentName); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE is_reference = 0 AND document_name = ?",
			documentName)
		return err
	})
}

// insertChunks writes chunk rows and their embeddings inside tx. Vectors
// align one-to-one with chunks; empty vectors skip the vec_chunks insert.
func (s *Store) insertChunks(ctx context.Context, tx *sql.Tx, chunks []Chunk, vectors [][]float32, isReference bool, documentName string) (int, error) {
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("%w: %d chunks but %d vectors", harvest.ErrInvalidInput, len(chunks), len(vectors))
	}

	cols := append([]string{"content", "is_reference", "document_name"}, attributeColumns...)
	cols = append(cols, "attributes")
	insert := "INSERT INTO chunks (" + strings.Join(cols, ", ") + ") VALUES (?" +
		strings.Repeat(", ?", len(cols)-1) + ")"

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	vecStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)")
	if err != nil {
		return 0, err
	}
	defer vecStmt.Close()

	refFlag := 0
	if isReference {
		refFlag = 1
	}

	n := 0
	for i, c := range chunks {
		attrJSON, err := json.Marshal(c.Attributes)
		if err != nil {
			return n, fmt.Errorf("encoding attributes: %w", err)
		}

		args := make([]interface{}, 0, len(cols))
		args = append(args, c.Content, refFlag, documentName)
		for _, col := range attributeColumns {
			args = append(args, c.Attributes[col])
		}
		args = append(args, string(attrJSON))

		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return n, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return n, err
		}
		n++

		vec := vectors[i]
		if len(vec) == 0 {
			// Embedding failed upstream; keep the chunk for structural
			// retrieval but do not index it.
			slog.Warn("vectorstore: chunk stored without embedding",
				"chunk_id", id, "document", documentName)
			continue
		}
		if len(vec) != s.embeddingDim {
			return n, fmt.Errorf("%w: vector dimension %d, store expects %d",
				harvest.ErrInvalidInput, len(vec), s.embeddingDim)
		}
		if _, err := vecStmt.ExecContext(ctx, id, serializeFloat32(vec)); err != nil {
			return n, err
		}
	}
	return n, nil
}

// --- reads ---

// ReferenceReady reports whether the reference corpus holds any chunks.
func (s *Store) ReferenceReady(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, harvest.ErrStoreClosed
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE is_reference = 1").Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// KNN performs a filtered nearest-neighbour search. The vec0 scan
// overfetches so attribute filters applied after the distance scan can
// still fill k results.
func (s *Store) KNN(ctx context.Context, q KNNQuery) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, harvest.ErrStoreClosed
	}
	if len(q.Vector) != s.embeddingDim {
		return nil, fmt.Errorf("%w: query vector dimension %d, store expects %d",
			harvest.ErrInvalidInput, len(q.Vector), s.embeddingDim)
	}
	if q.K <= 0 {
		q.K = 10
	}

	where, args, err := corpusAndFilters(q.Corpus, q.DocumentName, q.Filters)
	if err != nil {
		return nil, err
	}

	// Filters run after the vector scan, so fetch more neighbours than
	// requested.
	vecK := q.K * 4
	if vecK > 16384 {
		vecK = 16384
	}

	query := `
		SELECT c.id, c.content, c.document_name, c.attributes, v.distance
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?` + where + `
		ORDER BY v.distance
		LIMIT ?`

	all := append([]interface{}{serializeFloat32(q.Vector), vecK}, args...)
	all = append(all, q.K)

	rows, err := s.db.QueryContext(ctx, query, all...)
	if err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var attrJSON sql.NullString
		var distance float64
		if err := rows.Scan(&r.ID, &r.Content, &r.DocumentName, &attrJSON, &distance); err != nil {
			return nil, err
		}
		r.Attributes = decodeAttributes(attrJSON.String)
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// Structural returns chunks carrying a DOI that match the filters, in
// insertion order.
func (s *Store) Structural(ctx context.Context, q StructuralQuery) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, harvest.ErrStoreClosed
	}
	if q.Limit <= 0 {
		q.Limit = 1000
	}

	where, args, err := corpusAndFilters(q.Corpus, q.DocumentName, q.Filters)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT c.id, c.content, c.document_name, c.attributes
		FROM chunks c
		WHERE c.doi != ''` + where + `
		ORDER BY c.id
		LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("structural query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var attrJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.Content, &r.DocumentName, &attrJSON); err != nil {
			return nil, err
		}
		r.Attributes = decodeAttributes(attrJSON.String)
		results = append(results, r)
	}
	return results, rows.Err()
}

// ReferenceContents returns reference chunks matching the filters in
// insertion order, up to limit. Extraction workers cache these as prompt
// context.
func (s *Store) ReferenceContents(ctx context.Context, filters map[string][]string, limit int) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, harvest.ErrStoreClosed
	}
	if limit <= 0 {
		limit = 1000
	}

	where, args, err := corpusAndFilters(CorpusReference, "", filters)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT c.id, c.content, c.document_name, c.attributes
		FROM chunks c
		WHERE 1 = 1` + where + `
		ORDER BY c.id
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reference contents query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var attrJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.Content, &r.DocumentName, &attrJSON); err != nil {
			return nil, err
		}
		r.Attributes = decodeAttributes(attrJSON.String)
		results = append(results, r)
	}
	return results, rows.Err()
}

// DBStats returns corpus counts.
func (s *Store) DBStats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, harvest.ErrStoreClosed
	}
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM chunks WHERE is_reference = 1", &stats.ReferenceChunks},
		{"SELECT COUNT(*) FROM chunks WHERE is_reference = 0", &stats.EphemeralChunks},
		{"SELECT COUNT(*) FROM vec_chunks", &stats.Embeddings},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

// corpusAndFilters builds the WHERE tail (leading " AND ...") for a
// corpus scope plus attribute filters. Filter keys must name promoted
// columns.
func corpusAndFilters(corpus Corpus, documentName string, filters map[string][]string) (string, []interface{}, error) {
	var sb strings.Builder
	var args []interface{}

	switch corpus {
	case CorpusEphemeral:
		sb.WriteString(" AND c.is_reference = 0")
		if documentName != "" {
			sb.WriteString(" AND c.document_name = ?")
			args = append(args, documentName)
		}
	case CorpusReference, "":
		sb.WriteString(" AND c.is_reference = 1")
	default:
		return "", nil, fmt.Errorf("%w: unknown corpus %q", harvest.ErrInvalidInput, corpus)
	}

	for _, col := range attributeColumns {
		values, ok := filters[col]
		if !ok || len(values) == 0 {
			continue
		}
		sb.WriteString(" AND c." + col + " IN (?" + strings.Repeat(", ?", len(values)-1) + ")")
		for _, v := range values {
			args = append(args, v)
		}
	}

	// Reject filter keys that are not promoted columns: they would
	// silently match nothing.
	for key := range filters {
		if !isAttributeColumn(key) {
			return "", nil, fmt.Errorf("%w: unfilterable attribute %q", harvest.ErrInvalidInput, key)
		}
	}

	return sb.String(), args, nil
}

func isAttributeColumn(key string) bool {
	for _, col := range attributeColumns {
		if col == key {
			return true
		}
	}
	return false
}

func decodeAttributes(attrJSON string) map[string]string {
	if attrJSON == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(attrJSON), &m); err != nil {
		return nil
	}
	return m
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
