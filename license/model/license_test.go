package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLicense() *License {
	return &License{
		SiteID:              1,
		LicenseNumber:       "C11-0000123-LIC",
		StateCode:           "CA",
		FacilityName:        "Leafline North",
		IsActive:            true,
		SyncIntervalMinutes: 15,
	}
}

func TestLicenseValidate(t *testing.T) {
	l := validLicense()
	require.NoError(t, l.Validate())

	l = validLicense()
	l.LicenseNumber = ""
	assert.Error(t, l.Validate())

	l = validLicense()
	l.FacilityName = ""
	assert.Error(t, l.Validate())

	l = validLicense()
	l.StateCode = "CAL"
	assert.Error(t, l.Validate())

	l = validLicense()
	l.SyncIntervalMinutes = MinSyncIntervalMinutes - 1
	assert.Error(t, l.Validate())

	l = validLicense()
	l.SyncIntervalMinutes = MinSyncIntervalMinutes
	assert.NoError(t, l.Validate())
}

func TestLicenseSetCredentials(t *testing.T) {
	l := validLicense()
	assert.False(t, l.HasCredentials())

	// Both keys must be supplied together
	assert.Error(t, l.SetCredentials("", "enc-user"))
	assert.Error(t, l.SetCredentials("enc-vendor", ""))
	assert.False(t, l.HasCredentials())

	require.NoError(t, l.SetCredentials("enc-vendor", "enc-user"))
	assert.True(t, l.HasCredentials())
}

func TestLicenseIsSyncDue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	l := validLicense()
	l.AutoSyncEnabled = true
	require.NoError(t, l.SetCredentials("enc-vendor", "enc-user"))

	// Never synced
	assert.True(t, l.IsSyncDue(now))

	// Exactly one interval ago is due, one minute less is not
	last := now.Add(-15 * time.Minute)
	l.LastSyncAt = &last
	assert.True(t, l.IsSyncDue(now))

	last = now.Add(-14 * time.Minute)
	l.LastSyncAt = &last
	assert.False(t, l.IsSyncDue(now))

	// Eligibility gates
	l.LastSyncAt = nil
	l.IsActive = false
	assert.False(t, l.IsSyncDue(now))

	l.IsActive = true
	l.AutoSyncEnabled = false
	assert.False(t, l.IsSyncDue(now))

	l.AutoSyncEnabled = true
	l.VendorKeyEncrypted = ""
	assert.False(t, l.IsSyncDue(now))
}

func TestLicenseRecordSync(t *testing.T) {
	now := time.Now()

	l := validLicense()
	l.RecordFailedSync(now, "connection refused")
	require.NotNil(t, l.LastSyncAt)
	assert.Nil(t, l.LastSuccessAt)
	assert.Equal(t, "connection refused", l.LastError)

	later := now.Add(time.Minute)
	l.RecordSuccessfulSync(later)
	require.NotNil(t, l.LastSuccessAt)
	assert.Equal(t, later, *l.LastSyncAt)
	assert.Equal(t, later, *l.LastSuccessAt)
	assert.Empty(t, l.LastError)
}
