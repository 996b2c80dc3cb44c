package postgres

import (
	"context"
	"errors"
	"fmt"

	"p2p-settlement-gateway/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// CurrencyRepo implements ports.CurrencyRepository. Currency metadata is
// administered by an external collaborator; this repo only reads it.
type CurrencyRepo struct {
	pool Pool
}

// NewCurrencyRepo creates a new CurrencyRepo.
func NewCurrencyRepo(pool Pool) *CurrencyRepo {
	return &CurrencyRepo{pool: pool}
}

// GetByCode fetches one currency's reference metadata.
func (r *CurrencyRepo) GetByCode(ctx context.Context, code string) (*domain.Currency, error) {
	query := `SELECT code, precision, active FROM currencies WHERE code = $1`

	c := &domain.Currency{}
	err := r.pool.QueryRow(ctx, query, code).Scan(&c.Code, &c.Precision, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get currency by code: %w", err)
	}
	return c, nil
}
