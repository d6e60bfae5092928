package main

import (
	"testing"
	"testing/fstest"

	"github.com/jmerrifield20/ChainLedger/migrations"
)

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_chain_events.up.sql", 1, false},
		{"012_add_index.up.sql", 12, false},
		{"init.up.sql", 0, true},
		{"abc_init.up.sql", 0, true},
	}
	for _, tc := range tests {
		got, err := versionFromFile(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("versionFromFile(%q) err = %v, wantErr %v", tc.name, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("versionFromFile(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestListMigrations_ordersUpFilesByVersion(t *testing.T) {
	source := fstest.MapFS{
		"010_later.up.sql":    {Data: []byte("SELECT 10")},
		"002_second.up.sql":   {Data: []byte("SELECT 2")},
		"002_second.down.sql": {Data: []byte("SELECT -2")},
		"001_first.up.sql":    {Data: []byte("SELECT 1")},
		"README.md":           {Data: []byte("docs")},
	}
	got, err := listMigrations(source)
	if err != nil {
		t.Fatalf("listMigrations: %v", err)
	}
	want := []string{"001_first.up.sql", "002_second.up.sql", "010_later.up.sql"}
	if len(got) != len(want) {
		t.Fatalf("got %d migrations, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.name != want[i] {
			t.Errorf("migration %d = %s, want %s", i, m.name, want[i])
		}
	}
}

func TestListMigrations_duplicateVersion(t *testing.T) {
	source := fstest.MapFS{
		"001_a.up.sql": {Data: []byte("SELECT 1")},
		"001_b.up.sql": {Data: []byte("SELECT 1")},
	}
	if _, err := listMigrations(source); err == nil {
		t.Error("expected an error for two migrations with version 1")
	}
}

func TestEmbeddedSchema(t *testing.T) {
	got, err := listMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("listMigrations: %v", err)
	}
	if len(got) == 0 || got[0].version != 1 {
		t.Fatalf("embedded migrations = %+v, want version 1 first", got)
	}
}
