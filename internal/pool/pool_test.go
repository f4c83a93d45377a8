package pool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbdeck/dbdeck/internal/connection"
)

func TestIsReadOnly(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"SELECT * FROM users", true},
		{"  select 1", true},
		{"\n\tSeLeCt id FROM t", true},
		{"EXPLAIN SELECT 1", true},
		{"DESCRIBE users", true},
		{"desc users", true},
		{"SHOW TABLES", true},
		{"PRAGMA table_info(users)", true},
		{"INSERT INTO t VALUES (1)", false},
		{"UPDATE t SET x = 1", false},
		{"DELETE FROM t", false},
		{"CREATE TABLE t (id INT)", false},
		{"DROP TABLE t", false},
		{"WITH cte AS (SELECT 1) SELECT * FROM cte", false}, // prefix check only
	}

	for _, tt := range tests {
		if got := isReadOnly(tt.sql); got != tt.want {
			t.Errorf("isReadOnly(%q) = %v, want %v", tt.sql, got, tt.want)
		}
	}
}

func TestAffectedResult(t *testing.T) {
	res := affectedResult(7)
	if res.RowCount != 1 {
		t.Errorf("expected 1 synthetic row, got %d", res.RowCount)
	}
	if res.AffectedRows != 7 {
		t.Errorf("expected 7 affected rows, got %d", res.AffectedRows)
	}
	if res.Rows[0]["affectedRows"] != int64(7) {
		t.Errorf("synthetic row should carry the count, got %v", res.Rows[0])
	}
}

func TestTimeoutErrorMessage(t *testing.T) {
	plain := &TimeoutError{Timeout: 5 * time.Second}
	if plain.MayStillBeRunning {
		t.Error("server-side timeouts must not claim the statement may still run")
	}

	racy := &TimeoutError{Timeout: 2 * time.Second, MayStillBeRunning: true}
	if racy.Error() == plain.Error() {
		t.Error("the best-effort variant must be distinguishable in its message")
	}
}

func newTestSQLitePool(t *testing.T) Pool {
	t.Helper()
	desc := &connection.Descriptor{
		ID:       "test",
		Kind:     connection.KindSQLite,
		FilePath: filepath.Join(t.TempDir(), "test.db"),
	}
	p, err := New(desc, "", 0, DefaultConfig())
	if err != nil {
		t.Fatalf("open sqlite pool: %v", err)
	}
	t.Cleanup(func() { p.Destroy() })
	return p
}

func TestSQLitePoolQuery(t *testing.T) {
	p := newTestSQLitePool(t)
	ctx := context.Background()

	if _, err := p.Query(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}

	res, err := p.Query(ctx, "INSERT INTO users (name) VALUES (?), (?)", []any{"ada", "grace"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.AffectedRows != 2 {
		t.Errorf("expected 2 affected rows, got %d", res.AffectedRows)
	}
	if res.RowCount != 1 {
		t.Errorf("mutating statements normalize to one synthetic row, got %d", res.RowCount)
	}

	res, err = p.Query(ctx, "SELECT id, name FROM users ORDER BY id", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.RowCount != 2 {
		t.Fatalf("expected 2 rows, got %d", res.RowCount)
	}
	if len(res.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(res.Columns))
	}
	if res.Columns[0].Name != "id" || res.Columns[1].Name != "name" {
		t.Errorf("unexpected columns: %+v", res.Columns)
	}
	if res.Rows[0]["name"] != "ada" {
		t.Errorf("expected first row name=ada, got %v", res.Rows[0]["name"])
	}
}

func TestSQLitePoolScenarioSelectOne(t *testing.T) {
	p := newTestSQLitePool(t)

	res, err := p.Query(context.Background(), "SELECT 1", nil)
	if err != nil {
		t.Fatalf("SELECT 1: %v", err)
	}
	if res.RowCount != 1 || len(res.Rows) != 1 || len(res.Columns) == 0 {
		t.Errorf("unexpected shape: %+v", res)
	}
}

func TestSQLitePoolHealthCheck(t *testing.T) {
	p := newTestSQLitePool(t)

	if !p.HealthCheck(context.Background()) {
		t.Error("expected healthy pool")
	}

	p.Destroy()
	if p.HealthCheck(context.Background()) {
		t.Error("destroyed pool must report unhealthy")
	}
}

func TestSQLitePoolDestroyIdempotent(t *testing.T) {
	p := newTestSQLitePool(t)

	if err := p.Destroy(); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("second destroy must be a no-op: %v", err)
	}
}

func TestSQLitePoolNoServerSideTimeout(t *testing.T) {
	p := newTestSQLitePool(t)
	if p.SupportsServerSideTimeout() {
		t.Error("sqlite cannot cancel statements server-side")
	}
}

func TestSQLitePoolQueryWithTimeoutFastQuery(t *testing.T) {
	p := newTestSQLitePool(t)

	res, err := p.QueryWithTimeout(context.Background(), "SELECT 1", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("fast query should win the race: %v", err)
	}
	if res.RowCount != 1 {
		t.Errorf("expected 1 row, got %d", res.RowCount)
	}
}

func TestSQLitePoolQueryWithTimeoutRaceLoss(t *testing.T) {
	p := newTestSQLitePool(t)
	ctx := context.Background()

	// A recursive CTE busy-spins long enough for a 10ms timer to win.
	slow := `WITH RECURSIVE c(n) AS (SELECT 1 UNION ALL SELECT n+1 FROM c WHERE n < 5000000)
SELECT count(*) FROM c`

	_, err := p.QueryWithTimeout(ctx, slow, nil, 10*time.Millisecond)
	if err == nil {
		t.Skip("host too fast for the slow-query fixture")
	}

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !te.MayStillBeRunning {
		t.Error("sqlite race losses must flag that the statement may still be running")
	}
}

func TestSQLitePoolStats(t *testing.T) {
	p := newTestSQLitePool(t)

	st := p.Stats()
	if st.Active != 0 {
		t.Errorf("no query in flight, expected 0 active, got %d", st.Active)
	}
	if st.Waiting != 0 {
		t.Errorf("waiting is always best-effort 0, got %d", st.Waiting)
	}
}

func TestNewUnsupportedKind(t *testing.T) {
	desc := &connection.Descriptor{ID: "x", Kind: "mongodb"}
	if _, err := New(desc, "", 0, DefaultConfig()); err == nil {
		t.Fatal("expected error for unsupported engine kind")
	}
}
