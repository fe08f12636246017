// Package license manages the per site compliance authority license
// configuration that every sync run is rooted at.
package license

import (
	"time"

	"github.com/Leafline/compliance-sync/e"
	"github.com/Leafline/compliance-sync/license/model"
	"github.com/Leafline/compliance-sync/license/sqlmodel"
	"github.com/Leafline/compliance-sync/sql"
)

const (
	ECode030101 = e.Code0301 + "01"
	ECode030102 = e.Code0301 + "02"
	ECode030103 = e.Code0301 + "03"
	ECode030104 = e.Code0301 + "04"
	ECode030105 = e.Code0301 + "05"
	ECode030106 = e.Code0301 + "06"
	ECode030107 = e.Code0301 + "07"
	ECode030108 = e.Code0301 + "08"
	ECode030109 = e.Code0301 + "09"
	ECode03010A = e.Code0301 + "0A"
)

// CreateParam input for Create
type CreateParam struct {
	SiteID              int
	LicenseNumber       string
	StateCode           string
	FacilityName        string
	IsSandbox           bool
	AutoSyncEnabled     bool
	SyncIntervalMinutes int
}

// Create validates and inserts a new license. The license starts active and
// credential-less, sync cannot run until SetCredentials is called.
func Create(db *sql.Connection, p *CreateParam) (l *model.License, err error) {
	l = &model.License{
		SiteID:              p.SiteID,
		LicenseNumber:       p.LicenseNumber,
		StateCode:           p.StateCode,
		FacilityName:        p.FacilityName,
		IsActive:            true,
		IsSandbox:           p.IsSandbox,
		AutoSyncEnabled:     p.AutoSyncEnabled,
		SyncIntervalMinutes: p.SyncIntervalMinutes,
	}

	if err := l.Validate(); err != nil {
		return nil, e.W(err, ECode030101)
	}

	id, err := sqlmodel.LicenseInsert(db, l)
	if err != nil {
		return nil, e.W(err, ECode030102)
	}
	l.ID = id

	return l, nil
}

// SetCredentials stores the encrypted credential pair for the license. Both
// keys must be provided together, partial credentials are rejected.
func SetCredentials(db *sql.Connection, id int,
	vendorKeyEncrypted, userKeyEncrypted string) (err error) {
	l, err := sqlmodel.LicenseGetByID(db, id)
	if err != nil {
		return e.W(err, ECode030103)
	}

	if err := l.SetCredentials(vendorKeyEncrypted, userKeyEncrypted); err != nil {
		return e.W(err, ECode030104)
	}

	if err := sqlmodel.LicenseSetCredentials(db, id,
		l.VendorKeyEncrypted, l.UserKeyEncrypted); err != nil {
		return e.W(err, ECode030105)
	}

	return nil
}

// RecordSuccessfulSync stamps a successful sync attempt on the license
func RecordSuccessfulSync(db *sql.Connection, id int) (err error) {
	if err := sqlmodel.LicenseRecordSync(db, id, true, time.Now(), ""); err != nil {
		return e.W(err, ECode030106)
	}

	return nil
}

// RecordFailedSync stamps a failed sync attempt and its error on the license
func RecordFailedSync(db *sql.Connection, id int, msg string) (err error) {
	if err := sqlmodel.LicenseRecordSync(db, id, false, time.Now(), msg); err != nil {
		return e.W(err, ECode030107)
	}

	return nil
}

// SetPolicy updates the auto sync policy for the license. Interval is
// subject to the same floor as Create.
func SetPolicy(db *sql.Connection, id int, autoSyncEnabled, isSandbox bool,
	syncIntervalMinutes int) (err error) {
	if syncIntervalMinutes < model.MinSyncIntervalMinutes {
		return e.N(ECode030109, e.MsgLicenseInvalid)
	}

	if err := sqlmodel.LicenseSetPolicy(db, id, autoSyncEnabled, isSandbox,
		syncIntervalMinutes); err != nil {
		return e.W(err, ECode03010A)
	}

	return nil
}

// Deactivate marks the license inactive. Licenses are never deleted so that
// sync history remains queryable.
func Deactivate(db *sql.Connection, id int) (err error) {
	if err := sqlmodel.LicenseSetActive(db, id, false); err != nil {
		return e.W(err, ECode030108)
	}

	return nil
}
