package model

import (
	"fmt"
	"time"

	"github.com/Leafline/compliance-sync/e"
)

const (
	// MinSyncIntervalMinutes the smallest allowed auto sync interval
	MinSyncIntervalMinutes = 5

	ECode030201 = e.Code0302 + "01"
	ECode030202 = e.Code0302 + "02"
	ECode030203 = e.Code0302 + "03"
	ECode030204 = e.Code0302 + "04"
	ECode030205 = e.Code0302 + "05"
	ECode030206 = e.Code0302 + "06"
)

// License a per site record of one state compliance authority credential.
// The credential material is stored encrypted by the caller, this package
// never sees plaintext keys. A license is never deleted, only deactivated.
type License struct {
	ID                  int
	SiteID              int
	LicenseNumber       string
	StateCode           string
	FacilityName        string
	VendorKeyEncrypted  string
	UserKeyEncrypted    string
	IsActive            bool
	IsSandbox           bool
	AutoSyncEnabled     bool
	SyncIntervalMinutes int
	LastSyncAt          *time.Time
	LastSuccessAt       *time.Time
	LastError           string
	CreatedOn           time.Time
	UpdatedOn           time.Time
}

// Validate verifies the fields required before the license can be saved
func (l *License) Validate() (err error) {
	if l.LicenseNumber == "" {
		return e.N(ECode030201, "license number cannot be blank")
	}

	if l.FacilityName == "" {
		return e.N(ECode030202, "facility name cannot be blank")
	}

	if len(l.StateCode) != 2 {
		return e.N(ECode030203,
			fmt.Sprintf("state code must be exactly 2 characters, got '%s'", l.StateCode))
	}

	if l.SyncIntervalMinutes < MinSyncIntervalMinutes {
		return e.N(ECode030204,
			fmt.Sprintf("sync interval must be at least %d minutes", MinSyncIntervalMinutes))
	}

	return nil
}

// HasCredentials reports whether both encrypted keys are present
func (l *License) HasCredentials() bool {
	return l.VendorKeyEncrypted != "" && l.UserKeyEncrypted != ""
}

// SetCredentials sets both encrypted keys. Partial credentials are not a
// valid state, so both must be supplied together.
func (l *License) SetCredentials(vendorKeyEncrypted, userKeyEncrypted string) (err error) {
	if vendorKeyEncrypted == "" {
		return e.N(ECode030205, "vendor key cannot be blank")
	}

	if userKeyEncrypted == "" {
		return e.N(ECode030206, "user key cannot be blank")
	}

	l.VendorKeyEncrypted = vendorKeyEncrypted
	l.UserKeyEncrypted = userKeyEncrypted

	return nil
}

// RecordSuccessfulSync stamps the attempt and success times and clears the
// last error. Bookkeeping only, no side effects.
func (l *License) RecordSuccessfulSync(now time.Time) {
	l.LastSyncAt = &now
	l.LastSuccessAt = &now
	l.LastError = ""
}

// RecordFailedSync stamps the attempt time and stores the error
func (l *License) RecordFailedSync(now time.Time, msg string) {
	l.LastSyncAt = &now
	l.LastError = msg
}

// IsSyncDue reports whether an automatic sync should run now. True only when
// the license is active, auto sync is enabled, credentials are configured and
// either no sync has been attempted yet or the configured interval has fully
// elapsed since the last attempt.
func (l *License) IsSyncDue(now time.Time) bool {
	if !l.IsActive || !l.AutoSyncEnabled || !l.HasCredentials() {
		return false
	}

	if l.LastSyncAt == nil {
		return true
	}

	next := l.LastSyncAt.Add(time.Duration(l.SyncIntervalMinutes) * time.Minute)
	return !now.Before(next)
}
