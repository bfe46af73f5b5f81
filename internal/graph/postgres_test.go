package graph

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresMergeNodeSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := NewPostgres(db)
	query := regexp.QuoteMeta(`INSERT INTO graph_nodes (label, id, props) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (label, id) DO UPDATE SET props = graph_nodes.props || EXCLUDED.props`)
	mock.ExpectExec(query).
		WithArgs("Agent", "report_agent", `{"status":"available","type":"report"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.MergeNode(context.Background(), "Agent", "report_agent", Props{"type": "report", "status": "available", "dropped": nil}); err != nil {
		t.Fatalf("MergeNode: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresCreateNodeConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := NewPostgres(db)
	query := regexp.QuoteMeta(`INSERT INTO graph_nodes (label, id, props) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (label, id) DO NOTHING`)
	mock.ExpectExec(query).
		WithArgs("Task", "t-1", `{}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if _, err := st.CreateNode(context.Background(), "Task", Props{"id": "t-1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresTraverseSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := NewPostgres(db)
	query := regexp.QuoteMeta(`SELECT n.id, n.props FROM graph_nodes n
JOIN graph_edges e ON e.to_label = n.label AND e.to_id = n.id
WHERE e.rel = $1 AND e.from_label = $2 AND e.from_id = $3 AND n.label = $4 ORDER BY n.seq`)
	rows := sqlmock.NewRows([]string{"id", "props"}).
		AddRow("r-1", []byte(`{"subtask_id":"s-1","content":"{}"}`))
	mock.ExpectQuery(query).
		WithArgs("PRODUCES", "SubTask", "s-1", "Result").
		WillReturnRows(rows)

	n, ok, err := st.MatchOne(context.Background(), Pattern{
		Label: "Result",
		Via:   &Hop{Rel: "PRODUCES", From: Ref{Label: "SubTask", ID: "s-1"}},
	})
	if err != nil || !ok {
		t.Fatalf("MatchOne: ok=%v err=%v", ok, err)
	}
	if n.ID != "r-1" || n.Props.String("subtask_id") != "s-1" {
		t.Fatalf("unexpected node %+v", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresWhereSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := NewPostgres(db)
	query := regexp.QuoteMeta(`SELECT id, props FROM graph_nodes WHERE label = $1 AND props->>'status' = $2 AND props->>'type' = $3 ORDER BY seq`)
	rows := sqlmock.NewRows([]string{"id", "props"}).
		AddRow("t-1", []byte(`{"status":"pending","type":"competitor_analysis","attempts":1}`)).
		AddRow("t-2", []byte(`{"status":"pending","type":"competitor_analysis","attempts":2,"Bad-Key":"x"}`))
	mock.ExpectQuery(query).
		WithArgs("Task", "pending", "competitor_analysis").
		WillReturnRows(rows)

	nodes, err := st.MatchAll(context.Background(), Pattern{
		Label: "Task",
		Where: Props{"status": "pending", "type": "competitor_analysis", "attempts": 2, "Bad-Key": "x"},
	})
	if err != nil {
		t.Fatalf("MatchAll: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "t-2" {
		t.Fatalf("non-string and unsafe keys must still filter in memory, got %+v", nodes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresUpdateNodeLocksRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := NewPostgres(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT props FROM graph_nodes WHERE label = $1 AND id = $2 FOR UPDATE`)).
		WithArgs("Task", "t-1").
		WillReturnRows(sqlmock.NewRows([]string{"props"}).AddRow([]byte(`{"status":"pending"}`)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO graph_nodes (label, id, props) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (label, id) DO UPDATE SET props = EXCLUDED.props`)).
		WithArgs("Task", "t-1", `{"status":"running"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err = st.UpdateNode(context.Background(), "Task", "t-1", func(cur Props, exists bool) (Props, error) {
		next := cur.Clone()
		next["status"] = "running"
		return next, nil
	})
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestBindNumbersPlaceholders(t *testing.T) {
	got := postgresDialect.bind(`a = ? AND b = ? AND c = ?`)
	if got != `a = $1 AND b = $2 AND c = $3` {
		t.Fatalf("unexpected bind %q", got)
	}
	if sqliteDialect.bind(`a = ?`) != `a = ?` {
		t.Fatalf("sqlite must keep ? placeholders")
	}
}
