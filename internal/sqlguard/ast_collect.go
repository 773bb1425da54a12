package sqlguard

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// tableRef is one relation referenced by a statement.
type tableRef struct {
	schema string // empty when unqualified
	name   string
}

func (r tableRef) qualified() string {
	if r.schema != "" {
		return r.schema + "." + r.name
	}
	return r.name
}

// collector walks a SELECT tree gathering real table references. CTE names
// are virtual relations and excluded from the result.
type collector struct {
	seen     map[string]bool
	cteNames map[string]bool
	refs     []tableRef
}

// collectTableRefs returns the deduplicated relations referenced anywhere in
// the statement: FROM clauses, JOINs, subqueries in WHERE/HAVING/targets, set
// operation arms, and CTE bodies.
func collectTableRefs(sel *pg_query.SelectStmt) []tableRef {
	c := &collector{seen: map[string]bool{}, cteNames: map[string]bool{}}
	c.fromSelect(sel)
	return c.refs
}

func (c *collector) add(rv *pg_query.RangeVar) {
	if rv == nil || rv.Relname == "" {
		return
	}
	// A bare reference to a CTE defined in this statement is not a table.
	if rv.Schemaname == "" && c.cteNames[rv.Relname] {
		return
	}
	ref := tableRef{schema: rv.Schemaname, name: rv.Relname}
	key := ref.qualified()
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.refs = append(c.refs, ref)
}

func (c *collector) fromSelect(sel *pg_query.SelectStmt) {
	if sel == nil {
		return
	}

	// CTE names must be registered before walking anything that can
	// reference them.
	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			if n, ok := cte.Node.(*pg_query.Node_CommonTableExpr); ok {
				c.cteNames[n.CommonTableExpr.Ctename] = true
			}
		}
		for _, cte := range sel.WithClause.Ctes {
			if n, ok := cte.Node.(*pg_query.Node_CommonTableExpr); ok {
				c.fromNode(n.CommonTableExpr.Ctequery)
			}
		}
	}

	// Set operations (UNION/INTERSECT/EXCEPT).
	c.fromSelect(sel.Larg)
	c.fromSelect(sel.Rarg)

	for _, from := range sel.FromClause {
		c.fromFromItem(from)
	}
	c.fromExpr(sel.WhereClause)
	c.fromExpr(sel.HavingClause)
	for _, target := range sel.TargetList {
		c.fromExpr(target)
	}
}

func (c *collector) fromNode(node *pg_query.Node) {
	if node == nil {
		return
	}
	if n, ok := node.Node.(*pg_query.Node_SelectStmt); ok {
		c.fromSelect(n.SelectStmt)
	}
}

func (c *collector) fromFromItem(node *pg_query.Node) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		c.add(n.RangeVar)
	case *pg_query.Node_JoinExpr:
		c.fromFromItem(n.JoinExpr.Larg)
		c.fromFromItem(n.JoinExpr.Rarg)
		c.fromExpr(n.JoinExpr.Quals)
	case *pg_query.Node_RangeSubselect:
		c.fromNode(n.RangeSubselect.Subquery)
	case *pg_query.Node_RangeFunction:
		// Table-valued functions are not relations; the prohibited-function
		// walk inspects them separately.
	}
}

func (c *collector) fromExpr(node *pg_query.Node) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SubLink:
		c.fromNode(n.SubLink.Subselect)
	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			c.fromExpr(arg)
		}
	case *pg_query.Node_AExpr:
		c.fromExpr(n.AExpr.Lexpr)
		c.fromExpr(n.AExpr.Rexpr)
	case *pg_query.Node_ResTarget:
		c.fromExpr(n.ResTarget.Val)
	case *pg_query.Node_FuncCall:
		for _, arg := range n.FuncCall.Args {
			c.fromExpr(arg)
		}
	case *pg_query.Node_TypeCast:
		c.fromExpr(n.TypeCast.Arg)
	case *pg_query.Node_CaseExpr:
		c.fromExpr(n.CaseExpr.Arg)
		for _, when := range n.CaseExpr.Args {
			c.fromExpr(when)
		}
		c.fromExpr(n.CaseExpr.Defresult)
	case *pg_query.Node_CaseWhen:
		c.fromExpr(n.CaseWhen.Expr)
		c.fromExpr(n.CaseWhen.Result)
	case *pg_query.Node_CoalesceExpr:
		for _, arg := range n.CoalesceExpr.Args {
			c.fromExpr(arg)
		}
	case *pg_query.Node_NullTest:
		c.fromExpr(n.NullTest.Arg)
	}
}

// containsProhibitedFunction walks the statement looking for function calls
// on the blocklist. Returns the first offending name found.
func containsProhibitedFunction(sel *pg_query.SelectStmt) (string, bool) {
	w := &funcWalker{}
	w.walkSelect(sel)
	return w.found, w.found != ""
}

type funcWalker struct {
	found string
}

func (w *funcWalker) walkSelect(sel *pg_query.SelectStmt) {
	if sel == nil || w.found != "" {
		return
	}
	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			if n, ok := cte.Node.(*pg_query.Node_CommonTableExpr); ok {
				w.walkNode(n.CommonTableExpr.Ctequery)
			}
		}
	}
	w.walkSelect(sel.Larg)
	w.walkSelect(sel.Rarg)
	for _, node := range sel.TargetList {
		w.walkNode(node)
	}
	for _, node := range sel.FromClause {
		w.walkNode(node)
	}
	w.walkNode(sel.WhereClause)
	w.walkNode(sel.HavingClause)
	for _, node := range sel.SortClause {
		w.walkNode(node)
	}
	for _, node := range sel.GroupClause {
		w.walkNode(node)
	}
}

func (w *funcWalker) walkNode(node *pg_query.Node) {
	if node == nil || w.found != "" {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		w.walkSelect(n.SelectStmt)
	case *pg_query.Node_FuncCall:
		name := funcName(n.FuncCall)
		if prohibitedFunctions[name] {
			w.found = name
			return
		}
		for _, arg := range n.FuncCall.Args {
			w.walkNode(arg)
		}
	case *pg_query.Node_ResTarget:
		w.walkNode(n.ResTarget.Val)
	case *pg_query.Node_AExpr:
		w.walkNode(n.AExpr.Lexpr)
		w.walkNode(n.AExpr.Rexpr)
	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			w.walkNode(arg)
		}
	case *pg_query.Node_SubLink:
		w.walkNode(n.SubLink.Subselect)
	case *pg_query.Node_JoinExpr:
		w.walkNode(n.JoinExpr.Larg)
		w.walkNode(n.JoinExpr.Rarg)
		w.walkNode(n.JoinExpr.Quals)
	case *pg_query.Node_RangeSubselect:
		w.walkNode(n.RangeSubselect.Subquery)
	case *pg_query.Node_RangeFunction:
		for _, fn := range n.RangeFunction.Functions {
			w.walkNode(fn)
		}
	case *pg_query.Node_List:
		for _, item := range n.List.Items {
			w.walkNode(item)
		}
	case *pg_query.Node_TypeCast:
		w.walkNode(n.TypeCast.Arg)
	case *pg_query.Node_CaseExpr:
		w.walkNode(n.CaseExpr.Arg)
		for _, when := range n.CaseExpr.Args {
			w.walkNode(when)
		}
		w.walkNode(n.CaseExpr.Defresult)
	case *pg_query.Node_CaseWhen:
		w.walkNode(n.CaseWhen.Expr)
		w.walkNode(n.CaseWhen.Result)
	case *pg_query.Node_CoalesceExpr:
		for _, arg := range n.CoalesceExpr.Args {
			w.walkNode(arg)
		}
	case *pg_query.Node_NullTest:
		w.walkNode(n.NullTest.Arg)
	case *pg_query.Node_SortBy:
		w.walkNode(n.SortBy.Node)
	}
}

// funcName returns the unqualified, lower-cased function name. The parser
// already folds unquoted identifiers to lower case.
func funcName(fc *pg_query.FuncCall) string {
	if len(fc.Funcname) == 0 {
		return ""
	}
	last := fc.Funcname[len(fc.Funcname)-1]
	if s, ok := last.Node.(*pg_query.Node_String_); ok {
		return s.String_.Sval
	}
	return ""
}
