package reservation

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"agroflow/internal/catalog"
	"agroflow/internal/events"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

var (
	claimSQL     = regexp.QuoteMeta(`INSERT INTO reservas (cosecha_id, status) VALUES ($1, $2) ON CONFLICT (cosecha_id) DO NOTHING`)
	decrementSQL = regexp.QuoteMeta(`UPDATE insumos SET stock = stock - $1, ultima_actualizacion = now() WHERE nombre_insumo = $2 AND stock >= $1 RETURNING stock`)
	stockSQL     = regexp.QuoteMeta(`SELECT stock FROM insumos WHERE nombre_insumo = $1`)
	recordSQL    = regexp.QuoteMeta(`UPDATE reservas SET status = $2, resultados = $3 WHERE cosecha_id = $1`)
	loadSQL      = regexp.QuoteMeta(`SELECT status, resultados, compensada FROM reservas WHERE cosecha_id = $1`)
	tombstoneSQL = regexp.QuoteMeta(`INSERT INTO reservas (cosecha_id, status, compensada) VALUES ($1, $2, true) ON CONFLICT (cosecha_id) DO NOTHING`)
	restoreSQL   = regexp.QuoteMeta(`UPDATE insumos SET stock = stock + $1, ultima_actualizacion = now() WHERE nombre_insumo = $2`)
	releasedSQL  = regexp.QuoteMeta(`UPDATE reservas SET compensada = true WHERE cosecha_id = $1`)
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewPostgresStore(db), mock
}

func reserveFn(requirements ...catalog.Requirement) ReserveFunc {
	return func(ctx context.Context, d Decrementer) (events.InventoryAdjusted, error) {
		return reserveLines(ctx, d, "h1", requirements)
	}
}

func TestPostgresReserveDecrementsOnlyWhenStockCovers(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(claimSQL).WithArgs("h1", pendingStatus).WillReturnResult(sqlmock.NewResult(0, 1))
	// Decrements run in input-name order.
	mock.ExpectQuery(decrementSQL).WithArgs(decimal.NewFromInt(20), "Fertilizante N-PK").
		WillReturnRows(sqlmock.NewRows([]string{"stock"}))
	mock.ExpectQuery(stockSQL).WithArgs("Fertilizante N-PK").
		WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow("5.00"))
	mock.ExpectQuery(decrementSQL).WithArgs(decimal.NewFromInt(3), "Herbicida X").
		WillReturnRows(sqlmock.NewRows([]string{"stock"}))
	mock.ExpectQuery(stockSQL).WithArgs("Herbicida X").
		WillReturnRows(sqlmock.NewRows([]string{"stock"}))
	mock.ExpectQuery(decrementSQL).WithArgs(decimal.NewFromInt(50), "Semilla Arroz L-23").
		WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow("950.00"))
	mock.ExpectExec(recordSQL).WithArgs("h1", string(events.AdjustmentPartial), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, replayed, err := store.Reserve(context.Background(), "h1", reserveFn(
		catalog.Requirement{Input: "Semilla Arroz L-23", Quantity: decimal.NewFromInt(50)},
		catalog.Requirement{Input: "Fertilizante N-PK", Quantity: decimal.NewFromInt(20)},
		catalog.Requirement{Input: "Herbicida X", Quantity: decimal.NewFromInt(3)},
	))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if replayed {
		t.Fatal("first reservation reported as replayed")
	}
	if outcome.Status != events.AdjustmentPartial {
		t.Fatalf("status = %s", outcome.Status)
	}
	if l := line(t, outcome, "Semilla Arroz L-23"); l.Status != events.LineOK || *l.StockRestante != 950 {
		t.Fatalf("seed line = %+v", l)
	}
	if l := line(t, outcome, "Fertilizante N-PK"); l.Status != events.LineInsufficient || *l.StockDisponible != 5 || *l.CantidadRequerida != 20 {
		t.Fatalf("fertilizer line = %+v", l)
	}
	if l := line(t, outcome, "Herbicida X"); l.Status != events.LineNotFound {
		t.Fatalf("herbicide line = %+v", l)
	}
}

func TestPostgresReserveReplaysStoredOutcome(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(claimSQL).WithArgs("h1", pendingStatus).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(loadSQL+`$`).WithArgs("h1").WillReturnRows(
		sqlmock.NewRows([]string{"status", "resultados", "compensada"}).
			AddRow("OK", []byte(`[{"insumo":"Fertilizante N-PK","cantidad_usada":20,"stock_restante":80,"status":"OK"}]`), false),
	)
	mock.ExpectRollback()

	called := false
	outcome, replayed, err := store.Reserve(context.Background(), "h1", func(context.Context, Decrementer) (events.InventoryAdjusted, error) {
		called = true
		return events.InventoryAdjusted{}, nil
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !replayed || called {
		t.Fatalf("replayed=%v called=%v, want stored outcome without decrementing", replayed, called)
	}
	if outcome.CosechaID != "h1" || outcome.Status != events.AdjustmentOK {
		t.Fatalf("outcome = %+v", outcome)
	}
	if l := line(t, outcome, "Fertilizante N-PK"); *l.StockRestante != 80 {
		t.Fatalf("line = %+v", l)
	}
}

func TestPostgresReserveRollsBackOnStorageFailure(t *testing.T) {
	store, mock := newMockStore(t)
	broken := errors.New("connection reset by peer")

	mock.ExpectBegin()
	mock.ExpectExec(claimSQL).WithArgs("h1", pendingStatus).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(decrementSQL).WillReturnError(broken)
	mock.ExpectRollback()

	_, _, err := store.Reserve(context.Background(), "h1", reserveFn(
		catalog.Requirement{Input: "Fertilizante N-PK", Quantity: decimal.NewFromInt(20)},
	))
	if !errors.Is(err, broken) {
		t.Fatalf("err = %v, want %v", err, broken)
	}
}

func TestPostgresReleaseBeforeReservationLeavesTombstone(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(tombstoneSQL).WithArgs("h1", string(events.AdjustmentError)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lines, released, err := store.Release(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !released || len(lines) != 0 {
		t.Fatalf("released=%v lines=%v", released, lines)
	}
}

func TestPostgresReleaseRestoresReservedLines(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(tombstoneSQL).WithArgs("h1", string(events.AdjustmentError)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(loadSQL+` FOR UPDATE`).WithArgs("h1").WillReturnRows(
		sqlmock.NewRows([]string{"status", "resultados", "compensada"}).AddRow("PARTIAL", []byte(`[
			{"insumo":"Semilla Arroz L-23","cantidad_requerida":50,"stock_disponible":20,"status":"INSUFICIENTE"},
			{"insumo":"Fertilizante N-PK","cantidad_usada":20,"stock_restante":80,"status":"OK"}
		]`), false),
	)
	mock.ExpectExec(restoreSQL).WithArgs(decimal.NewFromInt(20), "Fertilizante N-PK").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(releasedSQL).WithArgs("h1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lines, released, err := store.Release(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !released || len(lines) != 1 || lines[0].Insumo != "Fertilizante N-PK" {
		t.Fatalf("released=%v lines=%+v", released, lines)
	}
}

func TestPostgresReleaseIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(tombstoneSQL).WithArgs("h1", string(events.AdjustmentError)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(loadSQL+` FOR UPDATE`).WithArgs("h1").WillReturnRows(
		sqlmock.NewRows([]string{"status", "resultados", "compensada"}).
			AddRow("OK", []byte(`[{"insumo":"Fertilizante N-PK","cantidad_usada":20,"stock_restante":80,"status":"OK"}]`), true),
	)
	mock.ExpectRollback()

	lines, released, err := store.Release(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released || lines != nil {
		t.Fatalf("released=%v lines=%v, want no second restore", released, lines)
	}
}
