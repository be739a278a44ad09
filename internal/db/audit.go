package db

import (
	"context"

	"github.com/google/uuid"

	"github.com/banshee-data/distress.report/internal/monitoring"
)

// VacancyAudit is the raw record of one postal API call.
type VacancyAudit struct {
	ParcelID        string
	County          string
	State           string
	RequestAddress  string
	MatchedAddress  string
	Vacant          *bool
	DPVConfirmed    *bool
	AddressMismatch bool
	ErrCode         string
	AccountIndex    int
}

// SaveVacancyCheck appends to the audit table. Best effort: an audit write
// failure is logged and swallowed, it must never cost a successful check
// its parcel writeback.
func (db *DB) SaveVacancyCheck(ctx context.Context, a VacancyAudit) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO usps_checks (
			id, parcel_id, county, state,
			request_address, matched_address,
			vacant, dpv_confirmed, address_mismatch, error, account_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)`,
		uuid.NewString(), a.ParcelID, a.County, a.State,
		a.RequestAddress, nullEmpty(a.MatchedAddress),
		a.Vacant, a.DPVConfirmed, a.AddressMismatch, a.ErrCode, a.AccountIndex)
	if err != nil {
		monitoring.Logf("vacancy audit %s: %v", a.ParcelID, err)
	}
}
