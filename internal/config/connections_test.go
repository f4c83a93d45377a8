package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dbdeck/dbdeck/internal/connection"
)

func writeConnections(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connections.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadConnections(t *testing.T) {
	path := writeConnections(t, `
connections:
  - id: prod-pg
    kind: postgres
    host: db.internal
    port: 5432
    user: app
    password: hunter2
    database: appdb
    query_timeout_ms: 15000
  - id: local-sqlite
    kind: sqlite
    file_path: /data/app.db
`)

	conns, err := LoadConnections(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}

	pg := conns["prod-pg"]
	if pg == nil {
		t.Fatal("prod-pg missing")
	}
	if pg.Kind != connection.KindPostgres || pg.Port != 5432 || pg.QueryTimeoutMs != 15000 {
		t.Errorf("unexpected descriptor: %+v", pg)
	}

	lite := conns["local-sqlite"]
	if lite == nil || lite.FilePath != "/data/app.db" {
		t.Errorf("unexpected sqlite descriptor: %+v", lite)
	}
}

func TestLoadConnectionsExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "from-env")

	path := writeConnections(t, `
connections:
  - id: pg
    kind: postgres
    host: db.internal
    port: 5432
    user: app
    password: ${TEST_DB_PASSWORD}
    database: appdb
`)

	conns, err := LoadConnections(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if conns["pg"].Password != "from-env" {
		t.Errorf("expected env expansion, got %q", conns["pg"].Password)
	}
}

func TestLoadConnectionsDuplicateID(t *testing.T) {
	path := writeConnections(t, `
connections:
  - id: dup
    kind: sqlite
    file_path: /a.db
  - id: dup
    kind: sqlite
    file_path: /b.db
`)

	if _, err := LoadConnections(path); err == nil {
		t.Fatal("duplicate ids must be rejected")
	}
}

func TestLoadConnectionsInvalidDescriptor(t *testing.T) {
	path := writeConnections(t, `
connections:
  - id: broken
    kind: postgres
    port: 5432
`)

	if _, err := LoadConnections(path); err == nil {
		t.Fatal("descriptor validation failures must surface")
	}
}

func TestLoadConnectionsMissingFile(t *testing.T) {
	if _, err := LoadConnections(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file must error")
	}
}
