package e

// This defines reusable error messages

const (
	MsgUnknownInternalServerError = "Unknown Internal Server Error"

	// migrations
	MsgMigrationCodeVersionDNE  = "Migration code/version does not exist"
	MsgMigrationNotInstalled    = "Migrations library not installed"
	MsgMigrationFileNameInvalid = "Invalid migration file name"

	// license
	MsgLicenseDoesNotExist       = "License does not exist"
	MsgLicenseInvalid            = "License configuration is invalid"
	MsgLicenseCredentialsMissing = "License credentials are not configured"
	MsgLicenseNotDue             = "License is not due for sync"

	// checkpoint
	MsgCheckpointDoesNotExist = "Sync checkpoint does not exist"

	// queue
	MsgQueueItemDoesNotExist  = "Queue item does not exist"
	MsgSyncJobDoesNotExist    = "Sync job does not exist"
	MsgInvalidTransition      = "invalid transition"
	MsgSyncJobAlreadyRunning  = "A sync job is already running for this license and direction"
	MsgQueueItemNotClaimable  = "Queue item is not claimable"
)
