package policy

import (
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default guardrails should validate: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Guardrails)
	}{
		{"zero attempts", func(g *Guardrails) { g.MaxAttempts = 0 }},
		{"zero default cap", func(g *Guardrails) { g.RowCapDefault = 0 }},
		{"default above max", func(g *Guardrails) { g.RowCapDefault = g.RowCapMax + 1 }},
		{"zero group size", func(g *Guardrails) { g.MinGroupSize = 0 }},
		{"zero query timeout", func(g *Guardrails) { g.QueryTimeout = 0 }},
		{"negative generator timeout", func(g *Guardrails) { g.GeneratorTimeout = -time.Second }},
		{"empty allow-list", func(g *Guardrails) { g.AllowedTables = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Default()
			tt.mutate(&g)
			if err := g.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestTableAllowed(t *testing.T) {
	g := Default()
	g.AllowedTables = []string{"credit_train", "credit_test"}

	if !g.TableAllowed("credit_train") {
		t.Error("credit_train should be allowed")
	}
	if !g.TableAllowed("CREDIT_TRAIN") {
		t.Error("allow-list match should be case-insensitive")
	}
	if g.TableAllowed("users") {
		t.Error("unknown table should be denied")
	}
}

func TestTableAllowed_SystemCatalogsAlwaysDenied(t *testing.T) {
	g := Default()
	g.AllowedTables = []string{"pg_shadow", "information_schema.tables"}

	for _, table := range []string{"pg_shadow", "pg_stat_activity", "information_schema.tables"} {
		if g.TableAllowed(table) {
			t.Errorf("system catalog %q must be denied even when allow-listed", table)
		}
	}
}

func TestIsSystemCatalog(t *testing.T) {
	for _, table := range []string{"pg_catalog", "pg_roles", "PG_SHADOW", "information_schema"} {
		if !IsSystemCatalog(table) {
			t.Errorf("%q should be a system catalog", table)
		}
	}
	if IsSystemCatalog("credit_train") {
		t.Error("credit_train is not a system catalog")
	}
}
