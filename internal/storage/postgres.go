package storage

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"github.com/example/emergency-dispatch/internal/models"
)

// PostgresStore implements RequestStore on plain database/sql. The
// Accept race is resolved by a conditional UPDATE inside a transaction;
// the filter on status is the compare-and-set.
type PostgresStore struct {
	db *sql.DB
}

// Ping reports database connectivity, used by the readiness probe.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, req *models.ServiceRequest, maxActive int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize quota checks per customer; a plain count would let two
	// concurrent creates both pass the limit.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.CustomerID); err != nil {
		return err
	}
	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE customer_id=$1 AND status IN ('pending','in_progress')`,
		req.CustomerID).Scan(&active)
	if err != nil {
		return err
	}
	if maxActive > 0 && active >= maxActive {
		return ErrRateLimited
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO requests(id, customer_id, category, status, lat, lon, details, code, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		req.ID, req.CustomerID, req.Category, req.Status, req.Location.Lat, req.Location.Lon,
		req.Details, req.Code, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.ServiceRequest, error) {
	return scanRequest(p.db.QueryRowContext(ctx,
		`SELECT id, customer_id, COALESCE(driver_id,''), category, status, lat, lon, details, code, created_at, updated_at
		 FROM requests WHERE id=$1`, id))
}

func (p *PostgresStore) CreateMappings(ctx context.Context, requestID string, driverIDs []string) error {
	for _, d := range driverIDs {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO request_driver_mappings(request_id, driver_id, status, created_at)
			 VALUES($1,$2,'pending',now())
			 ON CONFLICT (request_id, driver_id) DO NOTHING`,
			requestID, d)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) Accept(ctx context.Context, requestID, driverID string) (models.ServiceRequest, []string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE requests SET status='in_progress', driver_id=$1, updated_at=now()
		 WHERE id=$2 AND status='pending'`, driverID, requestID)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ServiceRequest{}, nil, ErrNotFound
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE request_driver_mappings SET status='accepted'
		 WHERE request_id=$1 AND driver_id=$2 AND status='pending'`, requestID, driverID)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// was never a candidate for this request
		return models.ServiceRequest{}, nil, ErrNotFound
	}

	rows, err := tx.QueryContext(ctx,
		`UPDATE request_driver_mappings SET status='ignored'
		 WHERE request_id=$1 AND driver_id<>$2 AND status='pending'
		 RETURNING driver_id`, requestID, driverID)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	ignored, err := collectIDs(rows)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}

	req, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT id, customer_id, COALESCE(driver_id,''), category, status, lat, lon, details, code, created_at, updated_at
		 FROM requests WHERE id=$1`, requestID))
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	return req, ignored, tx.Commit()
}

func (p *PostgresStore) Complete(ctx context.Context, requestID, customerID string) (models.ServiceRequest, error) {
	owner, err := p.ownerOf(ctx, requestID)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	if owner != customerID {
		return models.ServiceRequest{}, ErrForbidden
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE requests SET status='completed', updated_at=now()
		 WHERE id=$1 AND customer_id=$2 AND status='in_progress'`, requestID, customerID)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ServiceRequest{}, ErrNotFound
	}
	return p.Get(ctx, requestID)
}

func (p *PostgresStore) Cancel(ctx context.Context, requestID, customerID string) (models.ServiceRequest, []string, error) {
	owner, err := p.ownerOf(ctx, requestID)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	if owner != customerID {
		return models.ServiceRequest{}, nil, ErrForbidden
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE requests SET status='canceled', updated_at=now()
		 WHERE id=$1 AND customer_id=$2 AND status IN ('pending','in_progress')`, requestID, customerID)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ServiceRequest{}, nil, ErrInvalidState
	}
	rows, err := tx.QueryContext(ctx,
		`UPDATE request_driver_mappings SET status='ignored'
		 WHERE request_id=$1 AND status='pending'
		 RETURNING driver_id`, requestID)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	stillPending, err := collectIDs(rows)
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	req, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT id, customer_id, COALESCE(driver_id,''), category, status, lat, lon, details, code, created_at, updated_at
		 FROM requests WHERE id=$1`, requestID))
	if err != nil {
		return models.ServiceRequest{}, nil, err
	}
	return req, stillPending, tx.Commit()
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string) ([]models.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, customer_id, COALESCE(driver_id,''), category, status, lat, lon, details, code, created_at, updated_at
		 FROM requests WHERE customer_id=$1 ORDER BY created_at DESC`, customerID)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (p *PostgresStore) PendingForDriver(ctx context.Context, driverID string) ([]models.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT r.id, r.customer_id, COALESCE(r.driver_id,''), r.category, r.status, r.lat, r.lon, r.details, r.code, r.created_at, r.updated_at
		 FROM requests r
		 JOIN request_driver_mappings m ON m.request_id = r.id
		 WHERE m.driver_id=$1 AND m.status='pending' AND r.status='pending'
		 ORDER BY r.created_at DESC`, driverID)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (p *PostgresStore) MappingsFor(ctx context.Context, requestID string) ([]models.CandidateMapping, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT request_id, driver_id, status, created_at FROM request_driver_mappings WHERE request_id=$1`,
		requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CandidateMapping
	for rows.Next() {
		var m models.CandidateMapping
		if err := rows.Scan(&m.RequestID, &m.DriverID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ownerOf(ctx context.Context, requestID string) (string, error) {
	var owner string
	err := p.db.QueryRowContext(ctx, `SELECT customer_id FROM requests WHERE id=$1`, requestID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return owner, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (models.ServiceRequest, error) {
	var r models.ServiceRequest
	err := row.Scan(&r.ID, &r.CustomerID, &r.DriverID, &r.Category, &r.Status,
		&r.Location.Lat, &r.Location.Lon, &r.Details, &r.Code, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ServiceRequest{}, ErrNotFound
	}
	return r, err
}

func scanRequests(rows *sql.Rows) ([]models.ServiceRequest, error) {
	defer rows.Close()
	var out []models.ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
