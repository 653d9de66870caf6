package skill

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository implements Repository against the platform database.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a repository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Tenants returns the identifiers of all tenants.
func (r *PostgresRepository) Tenants(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM organizations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return tenants, nil
}

// ActiveCacheKeys returns the cache keys of every compiled-language skill
// currently active for the tenant.
func (r *PostgresRepository) ActiveCacheKeys(ctx context.Context, tenantID string) (map[string]struct{}, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT cache_key FROM skills
		 WHERE organization_id = $1 AND enabled AND language = ANY($2)`,
		tenantID, []string{string(LangWasm), string(LangStory)})
	if err != nil {
		return nil, fmt.Errorf("query active cache keys for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache keys: %w", err)
	}
	return keys, nil
}

// Skill retrieves one skill by tenant and skill ID.
func (r *PostgresRepository) Skill(ctx context.Context, tenantID, skillID string) (*Skill, error) {
	var s Skill
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, organization_id, language, cache_key, COALESCE(scope, 'conversation')
		 FROM skills WHERE organization_id = $1 AND id = $2`,
		tenantID, skillID).
		Scan(&s.ID, &s.Name, &s.TenantID, (*string)(&s.Language), &s.CacheKey, (*string)(&s.Scope))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("skill %s not found for tenant %s", skillID, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("query skill %s for tenant %s: %w", skillID, tenantID, err)
	}
	return &s, nil
}
