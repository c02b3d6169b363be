package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/pipeline"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

const reportColumns = `id, topic, tier, source, order_id, requester_name, requester_email,
	requested_at, state, stage, failure, error, delivery_error, fingerprint,
	cache_hit, cost_usd, started_at, finished_at`

// SaveReport upserts a report request by ID.
func (db *DB) SaveReport(ctx context.Context, r *models.ReportRequest) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO report_requests (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    stage = EXCLUDED.stage,
		    failure = EXCLUDED.failure,
		    error = EXCLUDED.error,
		    delivery_error = EXCLUDED.delivery_error,
		    fingerprint = EXCLUDED.fingerprint,
		    cache_hit = EXCLUDED.cache_hit,
		    cost_usd = EXCLUDED.cost_usd,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at
	`,
		r.ID, r.Topic, r.Tier, r.Source, r.OrderID, r.Requester.Name, r.Requester.Email,
		r.RequestedAt, r.State, r.Stage, r.Failure, r.Error, r.DeliveryError, r.Fingerprint,
		r.CacheHit, r.CostUSD, nullTime(r.StartedAt), nullTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("saving report %s: %w", r.ID, err)
	}
	return nil
}

// GetReport returns a stored report request by ID.
func (db *DB) GetReport(ctx context.Context, id string) (*models.ReportRequest, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM report_requests WHERE id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying report %s: %w", id, err)
	}
	return r, nil
}

// ListReports returns the most recent N report requests.
func (db *DB) ListReports(ctx context.Context, limit int) ([]models.ReportRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT `+reportColumns+`
		FROM report_requests ORDER BY requested_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer rows.Close()

	var results []models.ReportRequest
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

func scanReport(row pgx.Row) (*models.ReportRequest, error) {
	var (
		r                 models.ReportRequest
		started, finished *time.Time
	)
	err := row.Scan(
		&r.ID, &r.Topic, &r.Tier, &r.Source, &r.OrderID, &r.Requester.Name, &r.Requester.Email,
		&r.RequestedAt, &r.State, &r.Stage, &r.Failure, &r.Error, &r.DeliveryError, &r.Fingerprint,
		&r.CacheHit, &r.CostUSD, &started, &finished,
	)
	if err != nil {
		return nil, err
	}
	if started != nil {
		r.StartedAt = *started
	}
	if finished != nil {
		r.FinishedAt = *finished
	}
	return &r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// RecordInvocation appends a provider invocation to the audit log.
func (db *DB) RecordInvocation(ctx context.Context, inv models.ProviderInvocation) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO provider_invocations (
			id, request_id, fingerprint, provider, model, attempt,
			input_tokens, output_tokens, cost_usd, latency_ms, outcome, error, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		inv.ID, inv.RequestID, inv.Fingerprint, inv.Provider, inv.Model, inv.Attempt,
		inv.InputTokens, inv.OutputTokens, inv.CostUSD, inv.LatencyMs, inv.Outcome, inv.Error, inv.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}
	return nil
}

// ListInvocations returns invocations newer than since, newest first. An
// empty requestID matches every request.
func (db *DB) ListInvocations(ctx context.Context, requestID string, since time.Time, limit int) ([]models.ProviderInvocation, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT id, request_id, fingerprint, provider, model, attempt,
		       input_tokens, output_tokens, cost_usd, latency_ms, outcome, error, timestamp
		FROM provider_invocations
		WHERE timestamp >= $1`
	args := []interface{}{since}
	if requestID != "" {
		query += ` AND request_id = $2 ORDER BY timestamp DESC LIMIT $3`
		args = append(args, requestID, limit)
	} else {
		query += ` ORDER BY timestamp DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer rows.Close()

	var results []models.ProviderInvocation
	for rows.Next() {
		var inv models.ProviderInvocation
		if err := rows.Scan(
			&inv.ID, &inv.RequestID, &inv.Fingerprint, &inv.Provider, &inv.Model, &inv.Attempt,
			&inv.InputTokens, &inv.OutputTokens, &inv.CostUSD, &inv.LatencyMs, &inv.Outcome, &inv.Error, &inv.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}
		results = append(results, inv)
	}
	return results, rows.Err()
}

// ListModelPricing returns every stored pricing row.
func (db *DB) ListModelPricing(ctx context.Context) ([]models.ModelPricing, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT provider, model, input_per_m_token, output_per_m_token, updated_at
		FROM model_pricing ORDER BY provider, model
	`)
	if err != nil {
		return nil, fmt.Errorf("querying pricing: %w", err)
	}
	defer rows.Close()

	var results []models.ModelPricing
	for rows.Next() {
		var mp models.ModelPricing
		if err := rows.Scan(&mp.Provider, &mp.Model, &mp.InputPerMToken, &mp.OutputPerMToken, &mp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning pricing: %w", err)
		}
		results = append(results, mp)
	}
	return results, rows.Err()
}

// Topics returns the enabled monitoring topics.
func (db *DB) Topics(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `SELECT topic FROM monitoring_topics WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scanning topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// UpsertTopics inserts topics that are not yet stored.
func (db *DB) UpsertTopics(ctx context.Context, topics []string) error {
	for _, t := range topics {
		if _, err := db.Pool.Exec(ctx, `
			INSERT INTO monitoring_topics (topic) VALUES ($1)
			ON CONFLICT (topic) DO NOTHING
		`, t); err != nil {
			return fmt.Errorf("inserting topic %q: %w", t, err)
		}
	}
	return nil
}

// SpendStore persists committed ledger spend in the ledger_spend table.
type SpendStore struct {
	db *DB
}

// SpendStore returns a ledger spend store backed by db.
func (db *DB) SpendStore() *SpendStore {
	return &SpendStore{db: db}
}

func (s *SpendStore) Load(ctx context.Context, ledger string) (float64, error) {
	var spent float64
	err := s.db.Pool.QueryRow(ctx, `SELECT spent_usd FROM ledger_spend WHERE ledger = $1`, ledger).Scan(&spent)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading ledger %s: %w", ledger, err)
	}
	return spent, nil
}

// Add atomically increments the spend of a ledger, creating it if needed.
func (s *SpendStore) Add(ctx context.Context, ledger string, delta float64) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO ledger_spend (ledger, spent_usd) VALUES ($1, $2)
		ON CONFLICT (ledger) DO UPDATE
		SET spent_usd = ledger_spend.spent_usd + EXCLUDED.spent_usd,
		    updated_at = NOW()
	`, ledger, delta)
	if err != nil {
		return fmt.Errorf("adding to ledger %s: %w", ledger, err)
	}
	return nil
}
