package sqlmodel

import (
	"fmt"
	"strings"
	"time"

	"github.com/Leafline/compliance-sync/e"
	"github.com/Leafline/compliance-sync/license/model"
	"github.com/Leafline/compliance-sync/sql"
)

const (
	LicenseTableName     = "sync_license"
	LicenseDefaultSortBy = "sync_license_id"

	ECode030301 = e.Code0303 + "01"
	ECode030302 = e.Code0303 + "02"
	ECode030303 = e.Code0303 + "03"
	ECode030304 = e.Code0303 + "04"
	ECode030305 = e.Code0303 + "05"
	ECode030306 = e.Code0303 + "06"
	ECode030307 = e.Code0303 + "07"
	ECode030308 = e.Code0303 + "08"
	ECode030309 = e.Code0303 + "09"
	ECode03030A = e.Code0303 + "0A"
	ECode03030B = e.Code0303 + "0B"
)

// LicenseGetParam model
type LicenseGetParam struct {
	Limit         *uint64
	Offset        *uint64
	ID            *int
	SiteID        *int
	LicenseNumber *string
	StateCode     *string
	IsActive      *bool
	FlagCount     bool
	FlagForUpdate bool
	OrderByID     string
	DataHandler   func(*model.License) error
}

// LicenseInsert performs the DB operation to insert a new license record
func LicenseInsert(db *sql.Connection, input *model.License) (id int, err error) {
	ib := db.Insert(LicenseTableName).
		Columns(`site_id, license_number, state_code, facility_name,
			vendor_key_enc, user_key_enc,
			is_active, is_sandbox, auto_sync_enabled, sync_interval_minutes,
			last_error, created_on, updated_on`).
		Values(input.SiteID, input.LicenseNumber, input.StateCode, input.FacilityName,
			input.VendorKeyEncrypted, input.UserKeyEncrypted,
			input.IsActive, input.IsSandbox, input.AutoSyncEnabled, input.SyncIntervalMinutes,
			input.LastError, "now()", "now()").
		Suffix("RETURNING sync_license_id")

	id, err = db.ExecInsertReturningID(ib)
	if err != nil {
		return 0, e.W(err, ECode030301)
	}

	return id, nil
}

// LicenseSetCredentials stores both encrypted keys
func LicenseSetCredentials(db *sql.Connection, id int,
	vendorKeyEncrypted, userKeyEncrypted string) (err error) {
	ub := db.Update(LicenseTableName).
		Where("sync_license_id=?", id).
		Set("vendor_key_enc", vendorKeyEncrypted).
		Set("user_key_enc", userKeyEncrypted).
		Set("updated_on", "now()")

	if err := db.ExecUpdate(ub); err != nil {
		return e.W(err, ECode030302)
	}

	return nil
}

// LicenseSetActive updates the active flag
func LicenseSetActive(db *sql.Connection, id int, active bool) (err error) {
	ub := db.Update(LicenseTableName).
		Where("sync_license_id=?", id).
		Set("is_active", active).
		Set("updated_on", "now()")

	if err := db.ExecUpdate(ub); err != nil {
		return e.W(err, ECode030303)
	}

	return nil
}

// LicenseSetPolicy updates the sync policy fields
func LicenseSetPolicy(db *sql.Connection, id int, autoSyncEnabled, isSandbox bool,
	syncIntervalMinutes int) (err error) {
	ub := db.Update(LicenseTableName).
		Where("sync_license_id=?", id).
		Set("auto_sync_enabled", autoSyncEnabled).
		Set("is_sandbox", isSandbox).
		Set("sync_interval_minutes", syncIntervalMinutes).
		Set("updated_on", "now()")

	if err := db.ExecUpdate(ub); err != nil {
		return e.W(err, ECode030304)
	}

	return nil
}

// LicenseRecordSync stamps the outcome of a sync attempt
func LicenseRecordSync(db *sql.Connection, id int, success bool,
	attemptedAt time.Time, errMsg string) (err error) {
	ub := db.Update(LicenseTableName).
		Where("sync_license_id=?", id).
		Set("last_sync_at", attemptedAt).
		Set("last_error", errMsg).
		Set("updated_on", "now()")

	if success {
		ub = ub.Set("last_success_at", attemptedAt)
	}

	if err := db.ExecUpdate(ub); err != nil {
		return e.W(err, ECode030305)
	}

	return nil
}

// LicenseGet performs select
func LicenseGet(db *sql.Connection,
	p *LicenseGetParam) (lList []*model.License, count int, err error) {
	fields := `sync_license_id, site_id, license_number, state_code, facility_name,
		vendor_key_enc, user_key_enc,
		is_active, is_sandbox, auto_sync_enabled, sync_interval_minutes,
		last_sync_at, last_success_at, last_error, created_on, updated_on`

	sb := db.Select("{fields}").
		From(LicenseTableName)

	if p.Limit != nil && *p.Limit > 0 {
		sb = sb.Limit(*p.Limit)
	}

	if p.FlagForUpdate {
		sb = sb.Suffix("FOR UPDATE")
	}

	if p.ID != nil && *p.ID >= 0 {
		sb = sb.Where("sync_license_id=?", *p.ID)
	}

	if p.SiteID != nil && *p.SiteID >= 0 {
		sb = sb.Where("site_id=?", *p.SiteID)
	}

	if p.LicenseNumber != nil && len(*p.LicenseNumber) > 0 {
		sb = sb.Where("license_number=?", *p.LicenseNumber)
	}

	if p.StateCode != nil && len(*p.StateCode) > 0 {
		sb = sb.Where("state_code=?", *p.StateCode)
	}

	if p.IsActive != nil {
		sb = sb.Where("is_active=?", *p.IsActive)
	}

	stmt, bindList, err := sb.ToSql()
	if err != nil {
		return nil, 0, e.W(err, ECode030306)
	}

	if p.FlagCount {
		row := db.QueryRow(strings.Replace(stmt, "{fields}", "count(*)", 1), bindList...)
		if err := row.Scan(&count); err != nil {
			return nil, 0, e.W(err, ECode030307,
				fmt.Sprintf("stmt: %s, bindList: %+v", stmt, bindList))
		}
	}

	if p.Offset != nil {
		sb = sb.Offset(uint64(*p.Offset))
	}

	if p.OrderByID != "" {
		sb = sb.OrderBy(fmt.Sprintf("sync_license_id %s", p.OrderByID))
	} else {
		sb = sb.OrderBy(fmt.Sprintf("%s asc", LicenseDefaultSortBy))
	}

	stmt, bindList, err = sb.ToSql()
	if err != nil {
		return nil, 0, e.W(err, ECode030306)
	}
	stmt = strings.Replace(stmt, "{fields}", fields, 1)
	rows, err := db.Query(stmt, bindList...)
	if err != nil {
		return nil, 0, e.W(err, ECode030308)
	}
	defer rows.Close()

	for rows.Next() {
		l := &model.License{}
		if err := rows.Scan(&l.ID, &l.SiteID, &l.LicenseNumber, &l.StateCode, &l.FacilityName,
			&l.VendorKeyEncrypted, &l.UserKeyEncrypted,
			&l.IsActive, &l.IsSandbox, &l.AutoSyncEnabled, &l.SyncIntervalMinutes,
			&l.LastSyncAt, &l.LastSuccessAt, &l.LastError, &l.CreatedOn, &l.UpdatedOn); err != nil {
			return nil, 0, e.W(err, ECode030309)
		}

		if p.DataHandler != nil {
			if err := p.DataHandler(l); err != nil {
				return nil, 0, e.W(err, ECode030309)
			}
		} else {
			lList = append(lList, l)
		}
	}

	return lList, count, nil
}

// LicenseGetByID returns the specified license
func LicenseGetByID(db *sql.Connection, id int) (l *model.License, err error) {
	limit := uint64(1)
	p := &LicenseGetParam{
		Limit: &limit,
		ID:    &id,
	}

	lList, _, err := LicenseGet(db, p)
	if err != nil {
		return nil, e.W(err, ECode03030A)
	}

	if len(lList) == 0 {
		return nil, e.N(ECode03030B, e.MsgLicenseDoesNotExist)
	}

	return lList[0], nil
}
