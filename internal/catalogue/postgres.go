package catalogue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/example/sketch-match/internal/domain"
	"github.com/example/sketch-match/internal/resilience"
)

// PostgresStore queries a pgvector-enabled table of shape records.
type PostgresStore struct {
	db    *gorm.DB
	query string
}

type nearestRow struct {
	ID              string          `gorm:"column:id"`
	Metadata        []byte          `gorm:"column:metadata"`
	PreviewImageURL sql.NullString  `gorm:"column:preview_image_url"`
	Distance        sql.NullFloat64 `gorm:"column:distance"`
}

// NewPostgresStore builds a store over table, which may be schema-qualified.
func NewPostgresStore(db *gorm.DB, table string, metric Metric) *PostgresStore {
	if metric.Operator == "" {
		metric = Cosine
	}
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	query := fmt.Sprintf(`SELECT id, metadata, preview_image_url, canonical_vec %s ?::vector AS distance
FROM %s
WHERE canonical_vec IS NOT NULL
ORDER BY distance ASC, id ASC
LIMIT 1`, metric.Operator, ident)
	return &PostgresStore{db: db, query: query}
}

// Nearest runs the ordered query on a connection leased for this call only.
func (s *PostgresStore) Nearest(ctx context.Context, vec domain.FeatureVector) (Candidate, error) {
	var rows []nearestRow
	err := s.db.WithContext(ctx).Connection(func(tx *gorm.DB) error {
		return tx.Raw(s.query, VectorLiteral(vec)).Scan(&rows).Error
	})
	if err != nil {
		return Candidate{}, classifyPostgres(err)
	}
	if len(rows) == 0 {
		return Candidate{}, domain.ErrNoMatch
	}
	return rows[0].candidate()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return &StoreError{Reason: "database handle", Err: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

func (r nearestRow) candidate() (Candidate, error) {
	if !r.Distance.Valid {
		return Candidate{}, &StoreError{Reason: fmt.Sprintf("shape %s has no distance", r.ID)}
	}
	metadata, err := decodeMetadata(r.Metadata)
	if err != nil {
		return Candidate{}, &StoreError{Reason: fmt.Sprintf("shape %s metadata", r.ID), Err: err}
	}
	return Candidate{
		ID:              r.ID,
		PreviewImageURL: r.PreviewImageURL.String,
		Metadata:        metadata,
		Distance:        r.Distance.Float64,
	}, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	metadata := map[string]any{}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return metadata, nil
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// classifyPostgres separates connection trouble from query errors such as a missing
// table, a malformed vector literal or a dimension mismatch.
func classifyPostgres(err error) *StoreError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception, 57P0x is operator intervention.
		transient := strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
		return &StoreError{Transient: transient, Reason: "query rejected (" + pgErr.Code + ")", Err: err}
	}

	transient := resilience.IsTransient(err) ||
		errors.Is(err, driver.ErrBadConn) ||
		pgconn.Timeout(err) ||
		pgconn.SafeToRetry(err)
	return &StoreError{Transient: transient, Reason: "query", Err: err}
}
