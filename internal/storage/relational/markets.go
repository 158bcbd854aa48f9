package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// ErrNotFound is returned by every single-row lookup when no row matches.
var ErrNotFound = errors.New("relational: not found")

// CreateMarket inserts a new Market row (status draft) together with its
// MarketAsset detail row, in one transaction.
func (s *Store) CreateMarket(ctx context.Context, m *domain.Market, asset *domain.MarketAsset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relational: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("relational: marshal metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO markets (id, name, owner_id, issuer_id, asset_category, status,
			token_symbol, token_name, total_supply, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, m.ID, m.Name, m.OwnerID, m.IssuerID, string(m.AssetCategory), string(m.Status),
		m.TokenSymbol, m.TokenName, numeric(m.TotalSupply), metaJSON, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("relational: insert market: %w", err)
	}

	docsJSON, err := json.Marshal(asset.ComplianceDocIDs)
	if err != nil {
		return fmt.Errorf("relational: marshal compliance docs: %w", err)
	}
	regJSON, err := json.Marshal(asset.RegulatoryInfo)
	if err != nil {
		return fmt.Errorf("relational: marshal regulatory info: %w", err)
	}
	attrJSON, err := json.Marshal(asset.Attributes)
	if err != nil {
		return fmt.Errorf("relational: marshal attributes: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO market_assets (market_id, valuation, currency, description,
			compliance_doc_ids, regulatory_info, attributes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, m.ID, numeric(asset.Valuation), asset.Currency, asset.Description, docsJSON, regJSON, attrJSON)
	if err != nil {
		return fmt.Errorf("relational: insert market asset: %w", err)
	}

	return tx.Commit(ctx)
}

// GetMarket loads a Market by id.
func (s *Store) GetMarket(ctx context.Context, id string) (*domain.Market, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, owner_id, issuer_id, asset_category, status, token_symbol,
			token_name, total_supply, contract_address, deploy_tx_hash, approved_by,
			approved_at, metadata, created_at, updated_at
		FROM markets WHERE id = $1
	`, id)
	return scanMarket(row)
}

// MarketFilter narrows ListMarkets; zero-value fields are unfiltered.
type MarketFilter struct {
	Status          domain.MarketStatus
	OwnerID         string
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	Page, PageSize  int
}

// ListMarkets returns markets matching filter, newest first.
func (s *Store) ListMarkets(ctx context.Context, f MarketFilter) ([]*domain.Market, error) {
	query := `
		SELECT id, name, owner_id, issuer_id, asset_category, status, token_symbol,
			token_name, total_supply, contract_address, deploy_tx_hash, approved_by,
			approved_at, metadata, created_at, updated_at
		FROM markets WHERE 1=1
	`
	var args []any
	arg := func(v any) string { args = append(args, v); return fmt.Sprintf("$%d", len(args)) }

	if f.Status != "" {
		query += " AND status = " + arg(string(f.Status))
	}
	if f.OwnerID != "" {
		query += " AND owner_id = " + arg(f.OwnerID)
	}
	if f.CreatedAfter != nil {
		query += " AND created_at > " + arg(*f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		query += " AND created_at < " + arg(*f.CreatedBefore)
	}
	query += " ORDER BY created_at DESC"

	pageSize := f.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	query += fmt.Sprintf(" LIMIT %s OFFSET %s", arg(pageSize), arg((page-1)*pageSize))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relational: list markets: %w", err)
	}
	defer rows.Close()

	var out []*domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMarketStatus transitions a Market's status, optionally recording the
// approver and clearing/setting deployment fields. Used by the lifecycle
// engine; callers are responsible for validating the transition itself.
func (s *Store) UpdateMarketStatus(ctx context.Context, id string, status domain.MarketStatus, approvedBy *string, approvedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE markets SET status = $2,
			approved_by = COALESCE($3, approved_by),
			approved_at = COALESCE($4, approved_at),
			updated_at = now()
		WHERE id = $1
	`, id, string(status), approvedBy, approvedAt)
	if err != nil {
		return fmt.Errorf("relational: update market status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMarketDeployed records the on-chain outcome of the deployment job.
func (s *Store) MarkMarketDeployed(ctx context.Context, id, contractAddress, txHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE markets SET contract_address = $2, deploy_tx_hash = $3,
			status = $4, updated_at = now()
		WHERE id = $1
	`, id, contractAddress, txHash, string(domain.MarketActive))
	if err != nil {
		return fmt.Errorf("relational: mark market deployed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMarketMetadata replaces the metadata map (used to stash activationError).
func (s *Store) SetMarketMetadata(ctx context.Context, id string, metadata map[string]any) error {
	buf, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("relational: marshal metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE markets SET metadata = $2, updated_at = now() WHERE id = $1`, id, buf)
	if err != nil {
		return fmt.Errorf("relational: set market metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordApprovalEvent appends an audit row for a lifecycle transition.
func (s *Store) RecordApprovalEvent(ctx context.Context, ev *domain.MarketApprovalEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO market_approval_events (id, market_id, from_state, to_state, actor_id, decision, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ev.ID, ev.MarketID, string(ev.FromState), string(ev.ToState), ev.ActorID, ev.Decision, ev.Reason, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("relational: record approval event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*domain.Market, error) {
	var m domain.Market
	var category, status string
	var metaJSON []byte
	numSupply := numeric(nil)
	err := row.Scan(&m.ID, &m.Name, &m.OwnerID, &m.IssuerID, &category, &status, &m.TokenSymbol,
		&m.TokenName, &numSupply, &m.ContractAddress, &m.DeployTxHash, &m.ApprovedBy,
		&m.ApprovedAt, &metaJSON, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("relational: scan market: %w", err)
	}
	m.AssetCategory = domain.AssetCategory(category)
	m.Status = domain.MarketStatus(status)
	m.TotalSupply = bigInt(numSupply)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("relational: unmarshal metadata: %w", err)
		}
	}
	return &m, nil
}
