package generator

import (
	"fmt"
	"strings"

	"credit-insights/internal/domain"
)

// SystemPrompt renders the fixed instructions, folding in the minimum group
// size enforced by the validator so the model emits compliant SQL on the
// first try.
func SystemPrompt(minGroupSize int) string {
	return fmt.Sprintf(`You are a PostgreSQL analyst for a credit dataset.
Answer every question with exactly one SELECT statement and nothing else.

Rules:
- Output a single SELECT statement. No explanations, no markdown, no DDL, no DML.
- Query only the table described in the schema below. Never touch other tables or system catalogs.
- Quote column names with double quotes, for example "UF" and "TARGET".
- When grouping by a dimension, add HAVING COUNT(*) >= %d to every grouped query.
- Prefer explicit column lists over SELECT *.
- Use LIMIT when the question does not need the full result.`, minGroupSize)
}

// BuildUserPrompt assembles the user turn from the schema context, the
// question, and any prior failed attempts.
func BuildUserPrompt(req domain.GenerateRequest) string {
	var b strings.Builder

	if req.Context != "" {
		b.WriteString("Schema and business vocabulary:\n\n")
		b.WriteString(req.Context)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s\n", req.Question)

	if len(req.Prior) > 0 {
		b.WriteString("\nYour previous attempts failed. Produce a corrected statement; do not repeat a failed one.\n")
		for i, p := range req.Prior {
			fmt.Fprintf(&b, "\nAttempt %d:\n%s\nFailure: %s\n", i+1, p.SQL, p.Reason)
		}
	}

	return b.String()
}
