// Package prompt composes the task prompts. Composers are stateless:
// aggregates and retrieved context arrive as literals, already computed by
// the calling pipeline.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fieldlabs/harvest/vectorstore"
)

const extractionSystem = `You are a research reporting assistant. Extract structured results from the provided document.
Rules:
1. Only report facts directly supported by the document or the reference records.
2. Every result carries exactly one indicator: "Capacity Sharing for Development", "Policy Change", or "Innovation Development".
3. Participant counts are copied from the text, never estimated. Omit a field entirely when the document does not state it.
4. Respond with JSON only, no commentary.`

const reportSystem = `You are a research reporting assistant. Write a progress report for the requested indicator and year.
Rules:
1. Base every statement on the provided records; cite DOIs where present.
2. Use the supplied aggregate figures verbatim, do not recompute them.
3. Write in markdown with the sections: Summary, Key results, Contributions by cluster, Data gaps.
4. In Data gaps, name records whose required fields are missing; never invent values for them.`

const chatSystem = `You are an assistant answering questions about research reporting records.
Rules:
1. Answer only from the provided records. If they do not contain the answer, say so.
2. Mention the cluster and year a record belongs to when citing it.
3. Be concise.`

// indicatorGuidance pins the field schema the extraction output must
// follow for each indicator.
var indicatorGuidance = map[string]string{
	"Capacity Sharing for Development": `For "Capacity Sharing for Development" report: training_type (individual or group), total_participants, male_participants, female_participants, non_binary_participants, delivery_modality (virtual, in-person, or hybrid), start_date, end_date, length, degree. Copy participant counts from the text; total_participants equals the sum of the gender counts.`,
	"Policy Change":                    `For "Policy Change" report: policy_type (policy/strategy, legal instrument, program, budget, or investment), stage_in_policy_process, evidence_for_stage. Name the implementing organization among the partners.`,
	"Innovation Development":           `For "Innovation Development" report: short_title, innovation_nature, innovation_type, assess_readiness (integer 0 to 9), anticipated_users.`,
}

// indicatorOrder fixes the rendering order when no single indicator is
// requested.
var indicatorOrder = []string{
	"Capacity Sharing for Development",
	"Policy Change",
	"Innovation Development",
}

// guidance returns the schema hints for one indicator, or all of them in
// a fixed order when the indicator is empty or unknown.
func guidance(indicator string) string {
	if g, ok := indicatorGuidance[indicator]; ok {
		return g
	}
	parts := make([]string, 0, len(indicatorOrder))
	for _, ind := range indicatorOrder {
		parts = append(parts, indicatorGuidance[ind])
	}
	return strings.Join(parts, "\n")
}

// BuildContext renders retrieved chunks as numbered sources with their
// routing attributes, mirroring how bibliographic evidence is cited.
func BuildContext(results []vectorstore.Result) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "--- Record %d", i+1)
		if v := r.Attr("table_type"); v != "" {
			fmt.Fprintf(&b, " | %s", v)
		}
		if v := r.Attr("cluster"); v != "" {
			fmt.Fprintf(&b, " | cluster %s", v)
		}
		if v := r.Attr("year"); v != "" {
			fmt.Fprintf(&b, " | %s", v)
		}
		if v := r.Attr("doi"); v != "" {
			fmt.Fprintf(&b, " | doi:%s", v)
		}
		b.WriteString(" ---\n")
		b.WriteString(r.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Extraction builds the single-document extraction prompt.
func Extraction(indicator, document, referenceContext string) (system, user string) {
	var b strings.Builder
	if referenceContext != "" {
		fmt.Fprintf(&b, "Reference records:\n%s\n", referenceContext)
	}
	fmt.Fprintf(&b, "Document:\n%s\n\n", document)
	if indicator != "" {
		fmt.Fprintf(&b, "Extract every %q result from the document. ", indicator)
	} else {
		b.WriteString("Extract every reportable result from the document. ")
	}
	b.WriteString(`Return a JSON object {"results": [...]} where each element follows the indicator schema.`)
	fmt.Fprintf(&b, "\n\n%s", guidance(indicator))
	return extractionSystem, b.String()
}

// BatchExtraction builds the prompt for one batch of tabular rows.
func BatchExtraction(indicator string, rows []string, referenceContext string) (system, user string) {
	var b strings.Builder
	if referenceContext != "" {
		fmt.Fprintf(&b, "Reference records:\n%s\n", referenceContext)
	}
	b.WriteString("Rows:\n")
	for i, row := range rows {
		fmt.Fprintf(&b, "%d. %s\n", i+1, row)
	}
	b.WriteString("\nExtract one result per row, in row order. ")
	b.WriteString(`Return a JSON object {"results": [...]} with exactly one element per row.`)
	fmt.Fprintf(&b, "\n\n%s", guidance(indicator))
	return extractionSystem, b.String()
}

// Report builds the report-generation prompt. Aggregates render in sorted
// key order so identical inputs produce identical prompts.
func Report(indicator, year string, aggregates map[string]float64, context string) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Indicator: %s\nYear: %s\n\n", indicator, year)

	if len(aggregates) > 0 {
		b.WriteString("Aggregates:\n")
		keys := make([]string, 0, len(aggregates))
		for k := range aggregates {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %g\n", k, aggregates[k])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Records:\n%s\n", context)
	fmt.Fprintf(&b, "Write the %s progress report for %s.", indicator, year)
	return reportSystem, b.String()
}

// Chat builds the conversational prompt with prior session turns.
func Chat(message, context, history string) (system, user string) {
	var b strings.Builder
	if history != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n", history)
	}
	fmt.Fprintf(&b, "Records:\n%s\n", context)
	fmt.Fprintf(&b, "Question: %s", message)
	return chatSystem, b.String()
}
