package harvest

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"agroflow/internal/platform/postgres"
)

//go:embed schema.sql
var Schema string

// PostgresStore keeps farmers and harvests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database. Apply Schema before use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const farmerColumns = `agricultor_id, nombre, finca, ubicacion, correo, fecha_registro`

func scanFarmer(row interface{ Scan(...any) error }) (*Farmer, error) {
	var f Farmer
	if err := row.Scan(&f.ID, &f.Nombre, &f.Finca, &f.Ubicacion, &f.Correo, &f.FechaRegistro); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) CreateFarmer(ctx context.Context, f *Farmer) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO agricultores (agricultor_id, nombre, finca, ubicacion, correo)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING fecha_registro`,
		f.ID, f.Nombre, f.Finca, f.Ubicacion, f.Correo,
	).Scan(&f.FechaRegistro)
	if postgres.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert farmer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFarmer(ctx context.Context, id string) (*Farmer, error) {
	f, err := scanFarmer(s.db.QueryRowContext(ctx,
		`SELECT `+farmerColumns+` FROM agricultores WHERE agricultor_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) || postgres.IsInvalidText(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select farmer: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ListFarmers(ctx context.Context) ([]Farmer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+farmerColumns+` FROM agricultores ORDER BY fecha_registro`)
	if err != nil {
		return nil, fmt.Errorf("list farmers: %w", err)
	}
	defer rows.Close()

	farmers := []Farmer{}
	for rows.Next() {
		f, err := scanFarmer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan farmer: %w", err)
		}
		farmers = append(farmers, *f)
	}
	return farmers, rows.Err()
}

func (s *PostgresStore) UpdateFarmer(ctx context.Context, f *Farmer) error {
	err := s.db.QueryRowContext(ctx,
		`UPDATE agricultores SET nombre = $2, finca = $3, ubicacion = $4, correo = $5
		 WHERE agricultor_id = $1
		 RETURNING fecha_registro`,
		f.ID, f.Nombre, f.Finca, f.Ubicacion, f.Correo,
	).Scan(&f.FechaRegistro)
	switch {
	case errors.Is(err, sql.ErrNoRows), postgres.IsInvalidText(err):
		return ErrNotFound
	case postgres.IsUniqueViolation(err):
		return ErrDuplicate
	case err != nil:
		return fmt.Errorf("update farmer: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFarmer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agricultores WHERE agricultor_id = $1`, id)
	switch {
	case postgres.IsInvalidText(err):
		return ErrNotFound
	case postgres.IsForeignKeyViolation(err):
		return ErrFarmerInUse
	case err != nil:
		return fmt.Errorf("delete farmer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const harvestColumns = `cosecha_id, agricultor_id, producto, toneladas, estado, creado_en, factura_id`

func scanHarvest(row interface{ Scan(...any) error }) (*Harvest, error) {
	var (
		h         Harvest
		invoiceID sql.NullString
	)
	if err := row.Scan(&h.ID, &h.AgricultorID, &h.Producto, &h.Toneladas, &h.Estado, &h.CreadoEn, &invoiceID); err != nil {
		return nil, err
	}
	if invoiceID.Valid {
		h.FacturaID = &invoiceID.String
	}
	return &h, nil
}

const harvestWithFarmer = `SELECT c.cosecha_id, c.agricultor_id, c.producto, c.toneladas, c.estado, c.creado_en, c.factura_id, a.nombre, a.finca
	FROM cosechas c JOIN agricultores a ON a.agricultor_id = c.agricultor_id`

func scanHarvestWithFarmer(row interface{ Scan(...any) error }) (*Harvest, error) {
	var (
		h         Harvest
		owner     FarmerSummary
		invoiceID sql.NullString
	)
	if err := row.Scan(&h.ID, &h.AgricultorID, &h.Producto, &h.Toneladas, &h.Estado, &h.CreadoEn, &invoiceID, &owner.Nombre, &owner.Finca); err != nil {
		return nil, err
	}
	if invoiceID.Valid {
		h.FacturaID = &invoiceID.String
	}
	h.Agricultor = &owner
	return &h, nil
}

func (s *PostgresStore) CreateHarvest(ctx context.Context, h *Harvest) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO cosechas (cosecha_id, agricultor_id, producto, toneladas, estado)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING creado_en`,
		h.ID, h.AgricultorID, h.Producto, h.Toneladas, h.Estado,
	).Scan(&h.CreadoEn)
	if postgres.IsForeignKeyViolation(err) {
		return ErrUnknownFarmer
	}
	if err != nil {
		return fmt.Errorf("insert harvest: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHarvest(ctx context.Context, id string) (*Harvest, error) {
	h, err := scanHarvestWithFarmer(s.db.QueryRowContext(ctx, harvestWithFarmer+` WHERE c.cosecha_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) || postgres.IsInvalidText(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select harvest: %w", err)
	}
	return h, nil
}

func (s *PostgresStore) ListHarvests(ctx context.Context) ([]Harvest, error) {
	rows, err := s.db.QueryContext(ctx, harvestWithFarmer+` ORDER BY c.creado_en DESC`)
	if err != nil {
		return nil, fmt.Errorf("list harvests: %w", err)
	}
	defer rows.Close()

	harvests := []Harvest{}
	for rows.Next() {
		h, err := scanHarvestWithFarmer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan harvest: %w", err)
		}
		harvests = append(harvests, *h)
	}
	return harvests, rows.Err()
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status, invoiceID *string) (*Harvest, error) {
	h, err := scanHarvest(s.db.QueryRowContext(ctx,
		`UPDATE cosechas SET estado = $2, factura_id = $3
		 WHERE cosecha_id = $1
		 RETURNING `+harvestColumns,
		id, status, invoiceID,
	))
	if errors.Is(err, sql.ErrNoRows) || postgres.IsInvalidText(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update harvest status: %w", err)
	}
	return h, nil
}
