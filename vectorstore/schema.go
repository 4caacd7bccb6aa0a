package vectorstore

import "fmt"

// attributeColumns are the chunk attributes promoted to real columns so
// retrieval filters hit btree indexes instead of JSON extraction. Every
// other attribute lives in the attributes JSON blob.
var attributeColumns = []string{
	"source_table", "indicator", "year", "phase", "phase_type",
	"cluster", "cluster_role", "table_type", "section", "doi",
}

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Chunks for both corpora. is_reference=1 marks the long-lived reference
-- corpus; ephemeral chunks carry the document_name they were loaded under.
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    content TEXT NOT NULL,
    is_reference INTEGER NOT NULL DEFAULT 0,
    document_name TEXT NOT NULL DEFAULT '',
    source_table TEXT NOT NULL DEFAULT '',
    indicator TEXT NOT NULL DEFAULT '',
    year TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL DEFAULT '',
    phase_type TEXT NOT NULL DEFAULT '',
    cluster TEXT NOT NULL DEFAULT '',
    cluster_role TEXT NOT NULL DEFAULT '',
    table_type TEXT NOT NULL DEFAULT '',
    section TEXT NOT NULL DEFAULT '',
    doi TEXT NOT NULL DEFAULT '',
    attributes JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Vector embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_corpus ON chunks(is_reference, indicator, year);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_name);
CREATE INDEX IF NOT EXISTS idx_chunks_doi ON chunks(doi);
`, embeddingDim)
}
