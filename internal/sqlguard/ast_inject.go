package sqlguard

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// applyRowCap enforces the row limit on the top-level statement. A missing
// LIMIT (or LIMIT ALL) gets the default cap; an explicit LIMIT above the
// maximum is clamped down. A compliant LIMIT is left untouched so validation
// is idempotent.
func applyRowCap(sel *pg_query.SelectStmt, defaultCap, maxCap int) {
	if sel == nil {
		return
	}

	if n, ok := limitValue(sel); ok {
		if n > int64(maxCap) {
			sel.LimitCount = makeIntegerConst(int64(maxCap))
		}
		return
	}

	sel.LimitCount = makeIntegerConst(int64(defaultCap))
	sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT
}

// limitValue returns the integer LIMIT of the statement. LIMIT ALL and
// non-constant limits report absent so the default cap replaces them.
func limitValue(sel *pg_query.SelectStmt) (int64, bool) {
	if sel.LimitCount == nil {
		return 0, false
	}
	c, ok := sel.LimitCount.Node.(*pg_query.Node_AConst)
	if !ok || c.AConst.Isnull {
		// LIMIT ALL parses as a null constant.
		return 0, false
	}
	if ival, ok := c.AConst.Val.(*pg_query.A_Const_Ival); ok {
		return int64(ival.Ival.Ival), true
	}
	return 0, false
}

// applyGroupSuppression guarantees every grouped SELECT reports only groups
// of at least k rows. It descends into set-operation arms, CTE bodies, and
// FROM subqueries so an inner grouping cannot sidestep the policy.
func applyGroupSuppression(sel *pg_query.SelectStmt, k int) {
	if sel == nil {
		return
	}

	applyGroupSuppression(sel.Larg, k)
	applyGroupSuppression(sel.Rarg, k)

	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			if n, ok := cte.Node.(*pg_query.Node_CommonTableExpr); ok {
				if sub, ok := n.CommonTableExpr.Ctequery.Node.(*pg_query.Node_SelectStmt); ok {
					applyGroupSuppression(sub.SelectStmt, k)
				}
			}
		}
	}
	for _, from := range sel.FromClause {
		if n, ok := from.Node.(*pg_query.Node_RangeSubselect); ok {
			if sub, ok := n.RangeSubselect.Subquery.Node.(*pg_query.Node_SelectStmt); ok {
				applyGroupSuppression(sub.SelectStmt, k)
			}
		}
	}

	if len(sel.GroupClause) == 0 {
		return
	}

	if sel.HavingClause == nil {
		sel.HavingClause = makeCountAtLeast(k)
		return
	}

	// An existing count(*) >= n term is raised to k when too small, never
	// lowered, and never duplicated.
	if expr := findCountCondition(sel.HavingClause); expr != nil {
		if n, ok := intConstValue(expr.Rexpr); ok && n < int64(k) {
			expr.Rexpr = makeIntegerConst(int64(k))
		}
		return
	}

	sel.HavingClause = makeAndExpr(sel.HavingClause, makeCountAtLeast(k))
}

// findCountCondition locates a `count(*) >= n` comparison among the
// top-level AND terms of a HAVING clause. Terms under OR are ignored: an
// OR'd cardinality filter does not actually constrain every group.
func findCountCondition(node *pg_query.Node) *pg_query.A_Expr {
	if node == nil {
		return nil
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_AExpr:
		if isCountAtLeast(n.AExpr) {
			return n.AExpr
		}
	case *pg_query.Node_BoolExpr:
		if n.BoolExpr.Boolop != pg_query.BoolExprType_AND_EXPR {
			return nil
		}
		for _, arg := range n.BoolExpr.Args {
			if expr := findCountCondition(arg); expr != nil {
				return expr
			}
		}
	}
	return nil
}

// isCountAtLeast matches `count(*) >= <integer>`.
func isCountAtLeast(expr *pg_query.A_Expr) bool {
	if expr.Kind != pg_query.A_Expr_Kind_AEXPR_OP || operatorName(expr) != ">=" {
		return false
	}
	fc, ok := expr.Lexpr.Node.(*pg_query.Node_FuncCall)
	if !ok || !fc.FuncCall.AggStar || funcName(fc.FuncCall) != "count" {
		return false
	}
	_, ok = intConstValue(expr.Rexpr)
	return ok
}

func operatorName(expr *pg_query.A_Expr) string {
	if len(expr.Name) == 0 {
		return ""
	}
	if s, ok := expr.Name[0].Node.(*pg_query.Node_String_); ok {
		return s.String_.Sval
	}
	return ""
}

func intConstValue(node *pg_query.Node) (int64, bool) {
	if node == nil {
		return 0, false
	}
	c, ok := node.Node.(*pg_query.Node_AConst)
	if !ok || c.AConst.Isnull {
		return 0, false
	}
	if ival, ok := c.AConst.Val.(*pg_query.A_Const_Ival); ok {
		return int64(ival.Ival.Ival), true
	}
	return 0, false
}

// makeCountAtLeast builds the `count(*) >= k` suppression expression.
func makeCountAtLeast(k int) *pg_query.Node {
	countStar := &pg_query.Node{
		Node: &pg_query.Node_FuncCall{
			FuncCall: &pg_query.FuncCall{
				Funcname: []*pg_query.Node{makeStringNode("count")},
				AggStar:  true,
			},
		},
	}
	return &pg_query.Node{
		Node: &pg_query.Node_AExpr{
			AExpr: &pg_query.A_Expr{
				Kind:  pg_query.A_Expr_Kind_AEXPR_OP,
				Name:  []*pg_query.Node{makeStringNode(">=")},
				Lexpr: countStar,
				Rexpr: makeIntegerConst(int64(k)),
			},
		},
	}
}

func makeIntegerConst(v int64) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_AConst{
			AConst: &pg_query.A_Const{
				Val: &pg_query.A_Const_Ival{
					Ival: &pg_query.Integer{Ival: int32(v)},
				},
			},
		},
	}
}

func makeStringNode(s string) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_String_{
			String_: &pg_query.String{Sval: s},
		},
	}
}

// makeAndExpr combines two boolean expressions with AND, flattening existing
// AND lists so repeated rewrites do not nest.
func makeAndExpr(left, right *pg_query.Node) *pg_query.Node {
	var args []*pg_query.Node

	if be, ok := left.Node.(*pg_query.Node_BoolExpr); ok && be.BoolExpr.Boolop == pg_query.BoolExprType_AND_EXPR {
		args = append(args, be.BoolExpr.Args...)
	} else {
		args = append(args, left)
	}

	if be, ok := right.Node.(*pg_query.Node_BoolExpr); ok && be.BoolExpr.Boolop == pg_query.BoolExprType_AND_EXPR {
		args = append(args, be.BoolExpr.Args...)
	} else {
		args = append(args, right)
	}

	return &pg_query.Node{
		Node: &pg_query.Node_BoolExpr{
			BoolExpr: &pg_query.BoolExpr{
				Boolop: pg_query.BoolExprType_AND_EXPR,
				Args:   args,
			},
		},
	}
}
