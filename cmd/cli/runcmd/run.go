package runcmd

import (
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"benchrunner/internal/audit"
	"benchrunner/internal/config"
	"benchrunner/internal/coordinator"
	"benchrunner/internal/database"
	"benchrunner/internal/executor"
	"benchrunner/internal/export"
	"benchrunner/internal/lease"
	"benchrunner/internal/llm"
	"benchrunner/internal/partition"
	"benchrunner/internal/queue"
	"benchrunner/internal/runner"
	"benchrunner/internal/store"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(workerCmd)
	Command.AddCommand(schedulerCmd)
	Command.AddCommand(serverCmd)
	Command.AddCommand(batchCmd)
}

func mustDatabase(conf *config.BRConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}

	return db
}

func mustRedis(conf *config.BRConfig) *redis.Client {
	client, err := queue.Connect(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to redis queue")
	}
	return client
}

// Stack is every component a process needs, built from one config
type Stack struct {
	DB          *sqlx.DB
	Store       *store.Store
	Redis       *redis.Client // nil for in-process runs
	Queue       *queue.RedisClient
	Leases      *lease.Manager
	Processor   *runner.Processor
	Coordinator *coordinator.Coordinator
	Exporter    *export.Exporter
	Audit       *audit.Async
}

// NewStack wires the components. With useQueue the coordinator publishes runs to redis and
// processors poll signals there, otherwise everything runs against the database alone.
func NewStack(conf *config.BRConfig, useQueue bool) *Stack {
	db := mustDatabase(conf)
	s := store.New(db)

	st := &Stack{DB: db, Store: s}
	var signals runner.Signals = s
	if useQueue {
		st.Redis = mustRedis(conf)
		st.Queue = queue.NewRedisClientFrom(st.Redis)
		signals = queue.NewRedisSignals(st.Redis, s)
	}

	var openAI, claude llm.Provider
	if conf.Providers.OpenAI.APIKey != "" {
		openAI = llm.NewOpenAI(conf.Providers.OpenAI.APIKey, conf.Providers.OpenAI.BaseURL)
	}
	if conf.Providers.Anthropic.APIKey != "" {
		claude = llm.NewAnthropic(conf.Providers.Anthropic.APIKey, conf.Providers.Anthropic.BaseURL)
	}
	router := llm.NewRouter(openAI, claude, conf.Providers.MaxTokens)

	st.Audit = audit.NewAsync(audit.Multi{audit.LogRecorder{}, s}, 256)
	recorder := st.Audit
	exec := executor.New(s, router, router,
		executor.WithRateLimit(conf.Executor.RatePerSec, conf.Executor.Burst),
		executor.WithItemTimeout(conf.ItemTimeout()),
	)
	st.Leases = lease.NewManager(s, conf.LeaseTimeout())
	st.Processor = runner.NewProcessor(s, st.Leases, partition.New(s), exec, signals, runner.Config{
		ItemAttempts:      conf.Executor.ItemAttempts,
		Backoff:           conf.Backoff(),
		HeartbeatInterval: conf.HeartbeatInterval(),
	}, runner.WithRecorder(recorder))

	opts := []coordinator.Option{
		coordinator.WithProcessor(st.Processor),
		coordinator.WithRecorder(recorder),
		coordinator.WithMaxParallel(conf.Coordinator.MaxParallelRuns),
		coordinator.WithDefaults(coordinator.Defaults{
			MaxRetries:     conf.Run.MaxRetries,
			TimeoutSeconds: conf.Run.TimeoutSec,
			AutoResume:     conf.Run.AutoResume,
		}),
	}
	if useQueue {
		opts = append(opts,
			coordinator.WithPublisher(st.Queue),
			coordinator.WithSignalBus(queue.NewRedisSignals(st.Redis, s)),
		)
	}
	st.Coordinator = coordinator.New(s, opts...)

	var uploader export.Uploader
	if conf.Export.Bucket != "" {
		uploader = export.NewS3Client(export.Config{
			Bucket:          conf.Export.Bucket,
			Prefix:          conf.Export.Prefix,
			Region:          conf.Export.Region,
			Endpoint:        conf.Export.Endpoint,
			AccessKeyID:     conf.Export.AccessKeyID,
			SecretAccessKey: conf.Export.SecretAccessKey,
			ForcePathStyle:  conf.Export.ForcePathStyle,
		})
	}
	st.Exporter = export.NewExporter(s, uploader, conf.Export.Bucket, conf.Export.Prefix)

	return st
}

// Close releases the connections, logging what fails
func (st *Stack) Close() {
	st.Audit.Close()
	if err := st.DB.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
	}
	if st.Queue != nil {
		if err := st.Queue.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close redis queue cleanly on shutdown")
		}
	}
}
