package mssql

import (
	"database/sql"
	"strings"
	"testing"
)

func TestDialectQuoting(t *testing.T) {
	d := &Dialect{}
	if got := d.QualifyTable("dbo", "node]x"); got != "[dbo].[node]]x]" {
		t.Errorf("QualifyTable = %q", got)
	}
	if got := d.Placeholder(3); got != "@p3" {
		t.Errorf("Placeholder = %q", got)
	}
}

func TestUpsertSQL(t *testing.T) {
	got := (&Dialect{}).UpsertSQL("dbo", "node", 2)
	for _, want := range []string{
		"MERGE INTO [dbo].[node] WITH (HOLDLOCK) AS t",
		"VALUES (@p1, @p2, @p3), (@p4, @p5, @p6)",
		"WHEN NOT MATCHED THEN INSERT",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("UpsertSQL missing %q:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, ";") {
		t.Error("MERGE must be terminated with a semicolon")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	opts := (&Dialect{}).SnapshotOptions()
	if opts == nil || opts.Isolation != sql.LevelSerializable {
		t.Errorf("SnapshotOptions = %+v", opts)
	}
	if (&Dialect{}).MaxParams()/3*3 > 2100 {
		t.Error("upsert batch exceeds SQL Server parameter limit")
	}
}
