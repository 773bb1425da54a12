// Package sqlguard proves candidate SQL safe to run and rewrites it to
// comply with the guardrail policy.
//
// It parses queries with the PostgreSQL parser (pg_query_go), rejects
// anything that is not a single read-only SELECT over allow-listed tables,
// injects a row cap and a k-anonymity suppression clause, and deparses the
// result back to canonical SQL. The package is pure: no network or disk
// access, and the same input and policy always yield the same output.
package sqlguard

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"credit-insights/internal/domain"
	"credit-insights/internal/policy"
)

// Validator applies the guardrail gates in order. Construct once per policy;
// safe for concurrent use.
type Validator struct {
	rails policy.Guardrails
}

// New creates a Validator enforcing the given guardrails.
func New(rails policy.Guardrails) *Validator {
	return &Validator{rails: rails}
}

// reasonForbiddenKind is deliberately fixed so rejection messages never echo
// the dangerous keyword back to the generator.
const reasonForbiddenKind = "only read-only SELECT statements are permitted"

// Validate runs the gate sequence on a candidate query. First failure wins.
// On success it returns the canonical rewritten statement, guaranteed to be a
// single read-only SELECT with a row cap and, when grouped, a minimum group
// size of at least the policy's k.
func (v *Validator) Validate(candidate string) (string, error) {
	// Gate 1: parseability, exactly one statement.
	result, err := pg_query.Parse(candidate)
	if err != nil {
		return "", domain.Errf(domain.KindUnparseableStatement, "syntax error: %s", parseErrorDetail(err))
	}
	if len(result.Stmts) == 0 {
		return "", domain.Errf(domain.KindUnparseableStatement, "empty statement")
	}
	if len(result.Stmts) > 1 {
		return "", domain.Errf(domain.KindMultiStatementRejected,
			"candidate contains %d statements; exactly one is permitted", len(result.Stmts))
	}

	// Gate 2: statement-kind whitelist.
	sel, ok := result.Stmts[0].Stmt.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return "", domain.Errf(domain.KindForbiddenStatementKind, reasonForbiddenKind)
	}
	if err := checkSelectIsReadOnly(sel.SelectStmt); err != nil {
		return "", err
	}

	// Gate 3: table allow-list.
	for _, ref := range collectTableRefs(sel.SelectStmt) {
		if policy.IsSystemCatalog(ref.schema) || policy.IsSystemCatalog(ref.name) {
			return "", domain.Errf(domain.KindForbiddenTable,
				"system catalog %q is not queryable", ref.qualified())
		}
		if !v.rails.TableAllowed(ref.name) {
			return "", domain.Errf(domain.KindForbiddenTable,
				"table %q is not in the allow-list", ref.qualified())
		}
	}

	// Gate 4: row cap.
	applyRowCap(sel.SelectStmt, v.rails.RowCapDefault, v.rails.RowCapMax)

	// Gate 5: privacy suppression.
	applyGroupSuppression(sel.SelectStmt, v.rails.MinGroupSize)

	// Gate 6: the rewrite must still be valid SQL. A failure here is a defect
	// in the rewrite logic, never a generator mistake.
	rewritten, err := pg_query.Deparse(result)
	if err != nil {
		return "", domain.Errf(domain.KindRewriteFailed, "deparse rewritten statement: %v", err)
	}
	if _, err := pg_query.Parse(rewritten); err != nil {
		return "", domain.Errf(domain.KindRewriteFailed, "rewritten statement does not re-parse: %v", err)
	}

	return rewritten, nil
}

// checkSelectIsReadOnly rejects SELECT variants that carry write or lock
// semantics, and SELECTs invoking prohibited functions.
func checkSelectIsReadOnly(sel *pg_query.SelectStmt) error {
	for _, s := range selectArms(sel) {
		if s.IntoClause != nil {
			return domain.Errf(domain.KindForbiddenStatementKind, reasonForbiddenKind)
		}
		if len(s.LockingClause) > 0 {
			return domain.Errf(domain.KindForbiddenStatementKind, reasonForbiddenKind)
		}
	}
	if _, found := containsProhibitedFunction(sel); found {
		return domain.Errf(domain.KindForbiddenStatementKind, reasonForbiddenKind)
	}
	return nil
}

// selectArms returns sel and every set-operation arm beneath it
// (UNION/INTERSECT/EXCEPT sides).
func selectArms(sel *pg_query.SelectStmt) []*pg_query.SelectStmt {
	var arms []*pg_query.SelectStmt
	var walk func(s *pg_query.SelectStmt)
	walk = func(s *pg_query.SelectStmt) {
		if s == nil {
			return
		}
		arms = append(arms, s)
		walk(s.Larg)
		walk(s.Rarg)
	}
	walk(sel)
	return arms
}

// parseErrorDetail strips pg_query's noisy prefix so correction prompts carry
// only the useful part of the parser message.
func parseErrorDetail(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "syntax error"); i >= 0 {
		return msg[i:]
	}
	return msg
}

// prohibitedFunctions is the blocklist of PostgreSQL functions that can read
// the filesystem, stall the session, or escape the read-only sandbox.
var prohibitedFunctions = map[string]bool{
	"pg_read_file":         true,
	"pg_read_binary_file":  true,
	"pg_ls_dir":            true,
	"pg_sleep":             true,
	"pg_sleep_for":         true,
	"pg_sleep_until":       true,
	"dblink":               true,
	"dblink_exec":          true,
	"lo_import":            true,
	"lo_export":            true,
	"pg_terminate_backend": true,
	"pg_cancel_backend":    true,
	"set_config":           true,
	"current_setting":      true,
}
