package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEveryUpHasDown(t *testing.T) {
	ups, err := fs.Glob(FS, "*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(ups) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(FS, down); err != nil {
			t.Fatalf("%s has no down migration: %v", up, err)
		}
	}
}

func TestLedgerTableIsAppendOnly(t *testing.T) {
	data, err := fs.ReadFile(FS, "000002_ledger_entries.up.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	sql := string(data)
	for _, want := range []string{"UNIQUE (scan_id, seq)", "BEFORE UPDATE OR DELETE"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("ledger migration missing %q", want)
		}
	}
}
