package reservation

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"agroflow/internal/events"
	"agroflow/internal/platform/postgres"

	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var Schema string

const pendingStatus = "PENDING"

// PostgresStore keeps inputs and the reservation ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database. Apply Schema before use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type txDecrementer struct {
	tx *sql.Tx
}

func (d txDecrementer) Decrement(ctx context.Context, input string, qty decimal.Decimal) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := d.tx.QueryRowContext(ctx,
		`UPDATE insumos SET stock = stock - $1, ultima_actualizacion = now()
		 WHERE nombre_insumo = $2 AND stock >= $1
		 RETURNING stock`,
		qty, input,
	).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("decrement %s: %w", input, err)
	}

	var available decimal.Decimal
	err = d.tx.QueryRowContext(ctx, `SELECT stock FROM insumos WHERE nombre_insumo = $1`, input).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read stock of %s: %w", input, err)
	}
	return decimal.Zero, &InsufficientStockError{Input: input, Required: qty, Available: available}
}

func (s *PostgresStore) Reserve(ctx context.Context, harvestID string, fn ReserveFunc) (events.InventoryAdjusted, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return events.InventoryAdjusted{}, false, fmt.Errorf("begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO reservas (cosecha_id, status) VALUES ($1, $2)
		 ON CONFLICT (cosecha_id) DO NOTHING`,
		harvestID, pendingStatus,
	)
	if err != nil {
		return events.InventoryAdjusted{}, false, fmt.Errorf("claim reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		stored, _, err := loadReservation(ctx, tx, harvestID, false)
		return stored, true, err
	}

	outcome, err := fn(ctx, txDecrementer{tx: tx})
	if err != nil {
		return events.InventoryAdjusted{}, false, err
	}

	lines, err := json.Marshal(outcome.Resultados)
	if err != nil {
		return events.InventoryAdjusted{}, false, fmt.Errorf("encode reservation results: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservas SET status = $2, resultados = $3 WHERE cosecha_id = $1`,
		harvestID, outcome.Status, string(lines),
	); err != nil {
		return events.InventoryAdjusted{}, false, fmt.Errorf("record reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return events.InventoryAdjusted{}, false, fmt.Errorf("commit reservation: %w", err)
	}
	return outcome, false, nil
}

func loadReservation(ctx context.Context, tx *sql.Tx, harvestID string, lock bool) (events.InventoryAdjusted, bool, error) {
	query := `SELECT status, resultados, compensada FROM reservas WHERE cosecha_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		outcome     = events.InventoryAdjusted{CosechaID: harvestID}
		raw         []byte
		compensated bool
	)
	if err := tx.QueryRowContext(ctx, query, harvestID).Scan(&outcome.Status, &raw, &compensated); err != nil {
		return outcome, false, fmt.Errorf("load reservation: %w", err)
	}
	if err := json.Unmarshal(raw, &outcome.Resultados); err != nil {
		return outcome, false, fmt.Errorf("decode reservation results: %w", err)
	}
	return outcome, compensated, nil
}

func (s *PostgresStore) Release(ctx context.Context, harvestID string) ([]events.LineResult, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO reservas (cosecha_id, status, compensada) VALUES ($1, $2, true)
		 ON CONFLICT (cosecha_id) DO NOTHING`,
		harvestID, events.AdjustmentError,
	)
	if err != nil {
		return nil, false, fmt.Errorf("claim release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil, true, tx.Commit()
	}

	outcome, compensated, err := loadReservation(ctx, tx, harvestID, true)
	if err != nil {
		return nil, false, err
	}
	if compensated {
		return nil, false, nil
	}

	lines := releasable(outcome)
	for _, l := range lines {
		if _, err := tx.ExecContext(ctx,
			`UPDATE insumos SET stock = stock + $1, ultima_actualizacion = now()
			 WHERE nombre_insumo = $2`,
			decimal.NewFromFloat(*l.CantidadUsada), l.Insumo,
		); err != nil {
			return nil, false, fmt.Errorf("restore %s: %w", l.Insumo, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE reservas SET compensada = true WHERE cosecha_id = $1`, harvestID); err != nil {
		return nil, false, fmt.Errorf("mark released: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit release: %w", err)
	}
	return lines, true, nil
}

const inputColumns = `insumo_id, nombre_insumo, stock, unidad_medida, categoria, ultima_actualizacion`

func scanInput(row interface{ Scan(...any) error }) (*Input, error) {
	var in Input
	if err := row.Scan(&in.ID, &in.Nombre, &in.Stock, &in.UnidadMedida, &in.Categoria, &in.UltimaActualizacion); err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *PostgresStore) queryInputs(ctx context.Context, query string, args ...any) ([]Input, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inputs: %w", err)
	}
	defer rows.Close()

	inputs := []Input{}
	for rows.Next() {
		in, err := scanInput(rows)
		if err != nil {
			return nil, fmt.Errorf("scan input: %w", err)
		}
		inputs = append(inputs, *in)
	}
	return inputs, rows.Err()
}

func (s *PostgresStore) ListInputs(ctx context.Context) ([]Input, error) {
	return s.queryInputs(ctx, `SELECT `+inputColumns+` FROM insumos ORDER BY categoria, nombre_insumo`)
}

func (s *PostgresStore) LowStock(ctx context.Context, limit decimal.Decimal) ([]Input, error) {
	return s.queryInputs(ctx, `SELECT `+inputColumns+` FROM insumos WHERE stock < $1 ORDER BY stock`, limit)
}

func (s *PostgresStore) ByCategory(ctx context.Context, category string) ([]Input, error) {
	return s.queryInputs(ctx, `SELECT `+inputColumns+` FROM insumos WHERE categoria = $1 ORDER BY nombre_insumo`, category)
}

func (s *PostgresStore) GetInput(ctx context.Context, id string) (*Input, error) {
	in, err := scanInput(s.db.QueryRowContext(ctx, `SELECT `+inputColumns+` FROM insumos WHERE insumo_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) || postgres.IsInvalidText(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select input: %w", err)
	}
	return in, nil
}

func (s *PostgresStore) CreateInput(ctx context.Context, in *Input) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO insumos (insumo_id, nombre_insumo, stock, unidad_medida, categoria)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING ultima_actualizacion`,
		in.ID, in.Nombre, in.Stock, in.UnidadMedida, in.Categoria,
	).Scan(&in.UltimaActualizacion)
	if postgres.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert input: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateInput(ctx context.Context, in *Input) error {
	err := s.db.QueryRowContext(ctx,
		`UPDATE insumos
		 SET nombre_insumo = $2, stock = $3, unidad_medida = $4, categoria = $5, ultima_actualizacion = now()
		 WHERE insumo_id = $1
		 RETURNING ultima_actualizacion`,
		in.ID, in.Nombre, in.Stock, in.UnidadMedida, in.Categoria,
	).Scan(&in.UltimaActualizacion)
	switch {
	case errors.Is(err, sql.ErrNoRows), postgres.IsInvalidText(err):
		return ErrNotFound
	case postgres.IsUniqueViolation(err):
		return ErrDuplicate
	case err != nil:
		return fmt.Errorf("update input: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteInput(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM insumos WHERE insumo_id = $1`, id)
	if postgres.IsInvalidText(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete input: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AdjustStock(ctx context.Context, id string, adj StockAdjustment) (*Input, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin stock adjustment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	in, err := scanInput(tx.QueryRowContext(ctx,
		`SELECT `+inputColumns+` FROM insumos WHERE insumo_id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) || postgres.IsInvalidText(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select input: %w", err)
	}

	in.Stock = adj.Apply(in.Stock)
	if err := tx.QueryRowContext(ctx,
		`UPDATE insumos SET stock = $2, ultima_actualizacion = now()
		 WHERE insumo_id = $1
		 RETURNING ultima_actualizacion`,
		id, in.Stock,
	).Scan(&in.UltimaActualizacion); err != nil {
		return nil, fmt.Errorf("update stock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stock adjustment: %w", err)
	}
	return in, nil
}
