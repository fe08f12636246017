package e

// Constants in here define error codes that are unique to a package/function.
// The first two characters define the package, within this repo, and the
// second two characters define the file within that package. Furthermore,
// when creating an error, the e.N func should be called, which will also
// take a two character unique id within the file.
//
// Valid values for the characters are: 0-9 and A-Z. Packages starting with a
// number should be reserved for packages within the compliance-sync
// repository. Other repository packages may use any code starting with a
// letter.

const (
	// package: sql
	Code0101 = "0101" // package:sql | sql/sql.go
	Code0103 = "0103" // package:sql | sql/row.go
	Code0104 = "0104" // package:sql | sql/rows.go
	Code0105 = "0105" // package:sql | sql/count.go

	// package: migration
	Code0201 = "0201" // package:migration | migration/migration.go
	Code0202 = "0202" // package:migration | migration/migrator.go
	Code0203 = "0203" // package:migration | migration/list.go
	Code0204 = "0204" // package:migration/sqlmodel | migration/sqlmodel/migration.go

	// package: license
	Code0301 = "0301" // package:license | license/license.go
	Code0302 = "0302" // package:license/model | license/model/license.go
	Code0303 = "0303" // package:license/sqlmodel | license/sqlmodel/license.go

	// package: checkpoint
	Code0401 = "0401" // package:checkpoint | checkpoint/checkpoint.go
	Code0402 = "0402" // package:checkpoint/model | checkpoint/model/checkpoint.go
	Code0403 = "0403" // package:checkpoint/sqlmodel | checkpoint/sqlmodel/checkpoint.go

	// package: queue
	Code0501 = "0501" // package:queue | queue/queue.go
	Code0502 = "0502" // package:queue/model | queue/model/queue_item.go
	Code0503 = "0503" // package:queue/model | queue/model/sync_job.go
	Code0504 = "0504" // package:queue/sqlmodel | queue/sqlmodel/queue_item.go
	Code0505 = "0505" // package:queue/sqlmodel | queue/sqlmodel/sync_job.go

	// package: worker
	Code0601 = "0601" // package:worker | worker/worker.go
	Code0602 = "0602" // package:worker | worker/orchestrator.go
	Code0603 = "0603" // package:worker | worker/store.go

	// package: kafka
	Code0701 = "0701" // package:kafka | kafka/connection.go
	Code0702 = "0702" // package:kafka | kafka/events.go
	Code0703 = "0703" // package:kafka/awsec2 | kafka/awsec2/sasl.go
)
