// Command orchestratorctl is the operator surface for the durability core
// (spec §6 CLI/operator surface): list and replay dead-letters, force an
// outbox drain or a maintenance pass, and inspect lock leases — without
// standing up the full orchestrator process. Grounded in cmd/demo/main.go's
// single-binary-with-subcommands shape, extended with github.com/spf13/cobra
// the way registry/cmd/registry/main.go reaches for structured flags.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/goa-ai/core/config"
	"goa.design/goa-ai/core/deadletter"
	"goa.design/goa-ai/core/lock"
	"goa.design/goa-ai/core/outbox"
	"goa.design/goa-ai/core/run"
)

// Exit codes per spec §6: 0 success, 2 misuse (bad arguments/flags), 3
// operational regression (the command ran but the operation itself failed).
const (
	exitSuccess   = 0
	exitMisuse    = 2
	exitOperation = 3
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "orchestratorctl",
		Short:         "Operate the agent orchestration durability core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to built-in tuning)")

	root.AddCommand(newDeadLettersCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newOutboxCmd())
	root.AddCommand(newMaintenanceCmd())
	root.AddCommand(newLocksCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratorctl:", err)
		if code, ok := err.(exitCoder); ok {
			os.Exit(code.ExitCode())
		}
		os.Exit(exitOperation)
	}
}

// exitCoder lets a command distinguish misuse from operational failure;
// errors that don't implement it are treated as operational (exit 3).
type exitCoder interface {
	ExitCode() int
}

type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }
func (e cliError) ExitCode() int { return e.code }

func misusef(format string, args ...any) error {
	return cliError{code: exitMisuse, err: fmt.Errorf(format, args...)}
}

func operationErr(err error) error {
	if err == nil {
		return nil
	}
	return cliError{code: exitOperation, err: err}
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// deployment bundles every durable store the CLI's subcommands may need,
// built from a single Mongo client per invocation. connect builds every
// store up front; commands that don't need a given store simply leave its
// field unused.
type deployment struct {
	cfg    config.Config
	client *mongodriver.Client

	Runs       run.Store
	Outbox     outbox.Store
	Archive    deadletter.Archive
	Candidates deadletter.CandidateStore
	Locker     lock.Locker
}

func connect(ctx context.Context) (*deployment, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Mongo.URI == "" {
		return nil, nil, misusef("mongo.uri is not set in config")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongodriver.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	closeFn := func() {
		_ = client.Disconnect(context.Background())
	}

	runs, err := run.NewMongoStore(run.MongoOptions{Client: client, Database: cfg.Mongo.Database})
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("build run store: %w", err)
	}
	outboxStore, err := outbox.NewMongoStore(outbox.MongoOptions{Client: client, Database: cfg.Mongo.Database})
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("build outbox store: %w", err)
	}
	archive, err := deadletter.NewMongoArchive(deadletter.MongoOptions{Client: client, Database: cfg.Mongo.Database})
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("build dead-letter archive: %w", err)
	}
	candidates, err := deadletter.NewMongoCandidateStore(deadletter.MongoOptions{Client: client, Database: cfg.Mongo.Database})
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("build candidate store: %w", err)
	}
	locker, err := lock.NewMongoLocker(lock.MongoOptions{Client: client, Database: cfg.Mongo.Database})
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("build locker: %w", err)
	}

	return &deployment{
		cfg: cfg, client: client,
		Runs: runs, Outbox: outboxStore, Archive: archive, Candidates: candidates, Locker: locker,
	}, closeFn, nil
}

func newID() string { return uuid.New().String() }
