package records

import (
	"context"
	"fmt"
	"sort"

	harvest "github.com/fieldlabs/harvest"
	"github.com/fieldlabs/harvest/decoder"
)

// ProjectedRecord is one reference-corpus chunk candidate: the serialized
// row text plus the routing attributes retrieval filters on.
type ProjectedRecord struct {
	Content    string
	Attributes map[string]string
}

// ClusterDim maps a cluster id to its display name.
type ClusterDim map[string]string

// LoadClusters reads the clusters dimension table.
func LoadClusters(ctx context.Context, src Source) (ClusterDim, error) {
	rows, err := src.Load(ctx, "clusters")
	if err != nil {
		return nil, err
	}
	dim := make(ClusterDim, len(rows))
	for _, row := range rows {
		if id, ok := row["id"]; ok {
			dim[id] = row["name"]
		}
	}
	return dim, nil
}

// tableRenames normalises source-specific column names before
// serialization so prompts see one vocabulary across tables.
var tableRenames = map[string]map[string]string{
	"deliverables":  {"deliverable_title": "title", "deliverable_description": "description"},
	"oicrs":         {"outcome_title": "title", "outcome_description": "description"},
	"innovations":   {"innovation_title": "title", "innovation_description": "description"},
	"contributions": {"contribution_title": "title", "contribution_description": "description"},
	"questions":     {"question_text": "question"},
}

// attributeKeys are copied from the projected row into the chunk
// attribute map for retrieval filtering.
var attributeKeys = []string{
	"indicator", "year", "phase", "phase_type", "cluster", "cluster_role", "doi", "section",
}

// ProjectTable turns raw rows of one source table into reference chunk
// candidates: renames columns, joins the cluster dimension, tags the
// table type, and serializes each row.
func ProjectTable(table string, rows []Row, clusters ClusterDim) ([]ProjectedRecord, error) {
	renames, ok := tableRenames[table]
	if !ok {
		return nil, fmt.Errorf("%w: no projection for table %q", harvest.ErrInvalidInput, table)
	}

	out := make([]ProjectedRecord, 0, len(rows))
	for _, raw := range rows {
		row := make(Row, len(raw))
		for col, val := range raw {
			if renamed, ok := renames[col]; ok {
				col = renamed
			}
			if val == "" {
				continue
			}
			row[col] = val
		}

		// Cluster join: resolve the foreign key to a display name.
		if id, ok := row["cluster_id"]; ok {
			if name, ok := clusters[id]; ok && name != "" {
				row["cluster"] = name
			}
			delete(row, "cluster_id")
		}

		attrs := map[string]string{
			"source_table": table,
			"table_type":   table,
		}
		for _, key := range attributeKeys {
			if v, ok := row[key]; ok {
				attrs[key] = v
			}
		}

		out = append(out, ProjectedRecord{
			Content:    serializeRow(row),
			Attributes: attrs,
		})
	}
	return out, nil
}

// serializeRow renders a row in the same "col: val, ..." form the tabular
// decoder produces, with deterministic column order.
func serializeRow(row Row) string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	vals := make([]string, len(cols))
	for i, col := range cols {
		vals[i] = row[col]
	}
	return decoder.SerializeRow(cols, vals)
}
