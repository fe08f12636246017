// syncctl is the operator CLI for the compliance sync engine: inspect
// licenses, jobs and queue items, run and cancel jobs, requeue failed
// items and manage checkpoints.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	compliancesync "github.com/Leafline/compliance-sync"
	"github.com/Leafline/compliance-sync/checkpoint"
	"github.com/Leafline/compliance-sync/kafka"
	"github.com/Leafline/compliance-sync/kafka/awsec2"
	"github.com/Leafline/compliance-sync/license"
	lsqlmodel "github.com/Leafline/compliance-sync/license/sqlmodel"
	"github.com/Leafline/compliance-sync/migration"
	"github.com/Leafline/compliance-sync/queue"
	qsqlmodel "github.com/Leafline/compliance-sync/queue/sqlmodel"
	"github.com/Leafline/compliance-sync/sql"
	"github.com/Leafline/compliance-sync/worker"
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Compliance sync operator CLI",
	Long: `syncctl operates the compliance sync engine: the durable queue that
mirrors inventory and plant tracking events into the state compliance
authority. Licenses hold per site credentials and sync policy, jobs group
the queued operations of one run and checkpoints track how far each entity
type has been synced.`,
}

func main() {
	// Missing .env is fine, the environment may be set directly
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_PRETTY") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(licenseCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(reclaimCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			sha, build := compliancesync.Version()
			fmt.Printf("sha: %s build: %s\n", sha, build)
		},
	}
}

func connect() (db *sql.Connection, err error) {
	return sql.NewPostgresConn(sql.GetConnParamFromENV())
}

// newOrchestrator wires the orchestrator from the environment. The kafka
// publisher is optional, configured via KAFKA_BROKERS (comma separated
// bootstrap addresses) and, on MSK, AWS_REGION.
func newOrchestrator(db *sql.Connection, client worker.Client) (o *worker.Orchestrator, err error) {
	o = &worker.Orchestrator{
		Store:  worker.NewSQLStore(db),
		Client: client,
		Log:    log.Logger,
	}

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		return o, nil
	}

	conf := kafka.ConnectionConfig{
		AddressList: strings.Split(brokers, ","),
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		sm, err := awsec2.NewSASLMechanism(awsec2.SASLMechanismConfig{
			Region: region,
		})
		if err != nil {
			return nil, err
		}
		conf.SASLMechanism = sm
	} else {
		conf.NoTLS = true
	}

	conn, err := kafka.NewConn(conf)
	if err != nil {
		return nil, err
	}

	pub, err := kafka.NewJobEventPublisher(conn, os.Getenv("KAFKA_JOB_EVENT_TOPIC"))
	if err != nil {
		return nil, err
	}
	o.Events = pub

	return o, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}

			m, err := migration.NewMigrator(db)
			if err != nil {
				return err
			}

			for _, ml := range []*migration.List{
				license.GetMigrationList(),
				checkpoint.GetMigrationList(),
				queue.GetMigrationList(),
			} {
				if err := m.AddMigrationList(ml); err != nil {
					return err
				}
			}

			return m.Upgrade()
		},
	}
}

func licenseCmd() *cobra.Command {
	lic := &cobra.Command{Use: "license", Short: "Manage license configurations"}
	lic.AddCommand(licenseListCmd())
	lic.AddCommand(licenseCreateCmd())
	lic.AddCommand(licenseSetCredentialsCmd())
	lic.AddCommand(licenseSetPolicyCmd())
	lic.AddCommand(licenseDeactivateCmd())
	return lic
}

func licenseListCmd() *cobra.Command {
	var stateCode string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}

			p := &lsqlmodel.LicenseGetParam{}
			if stateCode != "" {
				p.StateCode = &stateCode
			}
			if activeOnly {
				p.IsActive = &activeOnly
			}

			lList, _, err := lsqlmodel.LicenseGet(db, p)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Site", "License", "State",
				"Active", "Auto", "Interval", "Last Sync", "Last Error"})
			for _, l := range lList {
				tw.AppendRow(table.Row{l.ID, l.SiteID, l.LicenseNumber,
					l.StateCode, l.IsActive, l.AutoSyncEnabled,
					fmt.Sprintf("%dm", l.SyncIntervalMinutes),
					fmtTimePtr(l.LastSyncAt), l.LastError})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&stateCode, "state", "", "filter by state code")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active licenses")
	return cmd
}

func licenseCreateCmd() *cobra.Command {
	p := &license.CreateParam{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a license configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}

			l, err := license.Create(db, p)
			if err != nil {
				return err
			}

			fmt.Printf("created license %d\n", l.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&p.SiteID, "site", 0, "site id")
	cmd.Flags().StringVar(&p.LicenseNumber, "number", "", "license number")
	cmd.Flags().StringVar(&p.StateCode, "state", "", "two letter state code")
	cmd.Flags().StringVar(&p.FacilityName, "facility", "", "facility name")
	cmd.Flags().BoolVar(&p.IsSandbox, "sandbox", false, "use the authority's sandbox")
	cmd.Flags().BoolVar(&p.AutoSyncEnabled, "auto-sync", false, "enable scheduled sync")
	cmd.Flags().IntVar(&p.SyncIntervalMinutes, "interval", 15, "sync interval in minutes")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("state")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func licenseSetCredentialsCmd() *cobra.Command {
	var vendorKey, userKey string
	cmd := &cobra.Command{
		Use:   "set-credentials <license-id>",
		Short: "Store the encrypted credential pair for a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}

			db, err := connect()
			if err != nil {
				return err
			}

			return license.SetCredentials(db, id, vendorKey, userKey)
		},
	}
	cmd.Flags().StringVar(&vendorKey, "vendor-key", "", "encrypted vendor api key")
	cmd.Flags().StringVar(&userKey, "user-key", "", "encrypted user api key")
	_ = cmd.MarkFlagRequired("vendor-key")
	_ = cmd.MarkFlagRequired("user-key")
	return cmd
}

func licenseSetPolicyCmd() *cobra.Command {
	var autoSync, sandbox bool
	var interval int
	cmd := &cobra.Command{
		Use:   "set-policy <license-id>",
		Short: "Update the auto sync policy for a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}

			db, err := connect()
			if err != nil {
				return err
			}

			return license.SetPolicy(db, id, autoSync, sandbox, interval)
		},
	}
	cmd.Flags().BoolVar(&autoSync, "auto-sync", false, "enable scheduled sync")
	cmd.Flags().BoolVar(&sandbox, "sandbox", false, "use the authority's sandbox")
	cmd.Flags().IntVar(&interval, "interval", 15, "sync interval in minutes")
	return cmd
}

func licenseDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <license-id>",
		Short: "Deactivate a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}

			db, err := connect()
			if err != nil {
				return err
			}

			return license.Deactivate(db, id)
		},
	}
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Manage sync jobs"}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobRunCmd())
	job.AddCommand(jobCancelCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var licenseID int
	var statusList []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sync jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}

			p := &qsqlmodel.SyncJobGetParam{
				OrderByID: "desc",
			}
			if licenseID > 0 {
				p.LicenseID = &licenseID
			}
			if len(statusList) > 0 {
				p.Status = &statusList
			}

			sjList, _, err := qsqlmodel.SyncJobGet(db, p)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "License", "Direction", "Status",
				"Progress", "Failed", "Retries", "Heartbeat", "Error"})
			for _, sj := range sjList {
				tw.AppendRow(table.Row{sj.ID, sj.LicenseID, sj.Direction,
					sj.Status,
					fmt.Sprintf("%d/%d", sj.ProcessedItems, sj.TotalItems),
					sj.FailedItems,
					fmt.Sprintf("%d/%d", sj.RetryCount, sj.MaxRetries),
					fmtTimePtr(sj.HeartbeatAt), sj.ErrorMessage})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&licenseID, "license", 0, "filter by license id")
	cmd.Flags().StringSliceVar(&statusList, "status", nil, "filter by status")
	return cmd
}

func jobCreateCmd() *cobra.Command {
	var licenseID int
	var direction string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending sync job for a license",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}

			sj, err := queue.CreateJob(db, licenseID, direction)
			if err != nil {
				return err
			}

			fmt.Printf("created job %d (run token %s)\n", sj.ID, sj.RunToken)
			return nil
		},
	}
	cmd.Flags().IntVar(&licenseID, "license", 0, "license id")
	cmd.Flags().StringVar(&direction, "direction", "outbound", "sync direction")
	_ = cmd.MarkFlagRequired("license")
	return cmd
}

func jobRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a sync job to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}

			db, err := connect()
			if err != nil {
				return err
			}

			o, err := newOrchestrator(db, newClientFromENV())
			if err != nil {
				return err
			}

			return o.RunJob(cmd.Context(), id)
		},
	}
}

func jobCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job and its remaining items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}

			db, err := connect()
			if err != nil {
				return err
			}

			return queue.CancelJob(db, id, reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "cancellation reason")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage queue items"}
	item.AddCommand(itemListCmd())
	item.AddCommand(itemAddCmd())
	item.AddCommand(itemRetryCmd())
	item.AddCommand(itemCancelCmd())
	return item
}

func itemListCmd() *cobra.Command {
	var jobID int
	var statusList []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}

			p := &qsqlmodel.QueueItemGetParam{}
			if jobID > 0 {
				p.JobID = &jobID
			}
			if len(statusList) > 0 {
				p.Status = &statusList
			}

			qiList, _, err := qsqlmodel.QueueItemGet(db, p)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Job", "Entity", "Op", "Status",
				"Retries", "Scheduled", "External ID", "Error"})
			for _, qi := range qiList {
				tw.AppendRow(table.Row{qi.ID, qi.JobID,
					fmt.Sprintf("%s/%s", qi.EntityType, qi.EntityID),
					qi.OperationType, qi.Status,
					fmt.Sprintf("%d/%d", qi.RetryCount, qi.MaxRetries),
					fmtTimePtr(qi.ScheduledAt), qi.ExternalID, qi.ErrorMessage})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&jobID, "job", 0, "filter by job id")
	cmd.Flags().StringSliceVar(&statusList, "status", nil, "filter by status")
	return cmd
}

func itemAddCmd() *cobra.Command {
	var jobID, priority, dependsOn int
	p := &queue.EnqueueParam{}
	var payload string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue an item on a pending sync job",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}

			sj, err := qsqlmodel.SyncJobGetByID(db, jobID)
			if err != nil {
				return err
			}

			p.Priority = priority
			if dependsOn > 0 {
				p.DependsOnItemID = &dependsOn
			}
			if payload != "" {
				p.Payload = []byte(payload)
			}

			idList, err := queue.Enqueue(db, sj, []*queue.EnqueueParam{p})
			if err != nil {
				return err
			}

			fmt.Printf("enqueued item %d\n", idList[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&jobID, "job", 0, "sync job id")
	cmd.Flags().StringVar(&p.EntityType, "entity-type", "", "entity type")
	cmd.Flags().StringVar(&p.OperationType, "op", "", "operation type")
	cmd.Flags().StringVar(&p.EntityID, "entity-id", "", "source entity id")
	cmd.Flags().StringVar(&p.ExternalID, "external-id", "", "authority assigned id, if known")
	cmd.Flags().StringVar(&payload, "payload", "", "json payload for the submission")
	cmd.Flags().IntVar(&priority, "priority", 0, "claim priority, higher first")
	cmd.Flags().IntVar(&dependsOn, "depends-on", 0, "item id that must complete first")
	cmd.Flags().StringVar(&p.IdempotencyKey, "idempotency-key", "", "explicit idempotency key")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("op")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}

func itemRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Requeue a failed or review item with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}

			db, err := connect()
			if err != nil {
				return err
			}

			return queue.RequeueItem(db, id)
		},
	}
}

func itemCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <item-id>",
		Short: "Cancel a queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}

			db, err := connect()
			if err != nil {
				return err
			}

			return queue.CancelItem(db, id, reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "cancellation reason")
	return cmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Manage sync checkpoints"}
	cp.AddCommand(checkpointResetCmd())
	return cp
}

func checkpointResetCmd() *cobra.Command {
	var licenseID int
	var entityType, direction string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset a checkpoint, forcing the next run to full sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}

			return checkpoint.Reset(db, licenseID, entityType, direction)
		},
	}
	cmd.Flags().IntVar(&licenseID, "license", 0, "license id")
	cmd.Flags().StringVar(&entityType, "entity", "", "entity type")
	cmd.Flags().StringVar(&direction, "direction", "outbound", "sync direction")
	_ = cmd.MarkFlagRequired("license")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func reclaimCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Reclaim jobs whose worker heartbeat has gone stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}

			o, err := newOrchestrator(db, newClientFromENV())
			if err != nil {
				return err
			}
			o.StaleHeartbeat = staleAfter

			n, err := o.ReclaimStale(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("reclaimed %d stale jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", worker.DefaultStaleHeartbeat,
		"heartbeat age before a job is considered stale")
	return cmd
}

func runCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "run <license-id>",
		Short: "Run the pending sync for a license if it is due",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}

			db, err := connect()
			if err != nil {
				return err
			}

			o, err := newOrchestrator(db, newClientFromENV())
			if err != nil {
				return err
			}

			return o.RunSync(cmd.Context(), id, direction)
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "outbound", "sync direction")
	return cmd
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
