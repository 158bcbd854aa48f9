package relational

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// GetComplianceRecord loads the most specific compliance row for (user,
// token): a token-scoped row if one exists, else the user-general row
// (token IS NULL). Absence is reported as ErrNotFound, letting the caller
// treat "no record" as not-eligible rather than as a crash.
func (s *Store) GetComplianceRecord(ctx context.Context, userID, token string) (*domain.ComplianceRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, token, kyc_status, kyc_level, accreditation_status, whitelisted, jurisdiction, expiry
		FROM compliance_records WHERE user_id = $1 AND (token = $2 OR token IS NULL)
		ORDER BY token NULLS LAST LIMIT 1
	`, userID, token)

	var c domain.ComplianceRecord
	var status string
	err := row.Scan(&c.UserID, &c.Token, &status, &c.KYCLevel, &c.AccreditationStatus, &c.Whitelisted, &c.Jurisdiction, &c.Expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relational: get compliance record: %w", err)
	}
	c.KYCStatus = domain.KYCStatus(status)
	return &c, nil
}

// UpsertComplianceRecord replaces the compliance row for (user, token).
func (s *Store) UpsertComplianceRecord(ctx context.Context, c *domain.ComplianceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO compliance_records (user_id, token, kyc_status, kyc_level, accreditation_status, whitelisted, jurisdiction, expiry)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id, (COALESCE(token, ''))) DO UPDATE SET
			kyc_status = EXCLUDED.kyc_status, kyc_level = EXCLUDED.kyc_level,
			accreditation_status = EXCLUDED.accreditation_status, whitelisted = EXCLUDED.whitelisted,
			jurisdiction = EXCLUDED.jurisdiction, expiry = EXCLUDED.expiry
	`, c.UserID, c.Token, string(c.KYCStatus), c.KYCLevel, c.AccreditationStatus, c.Whitelisted, c.Jurisdiction, c.Expiry)
	if err != nil {
		return fmt.Errorf("relational: upsert compliance record: %w", err)
	}
	return nil
}
