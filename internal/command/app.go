package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	"tasksync/cli/internal/chat"
	"tasksync/cli/internal/global"
	"tasksync/cli/internal/syncer"
)

// Runtime is the set of live components a command works against.
type Runtime struct {
	Tasks    *syncer.Coordinator
	Chat     *chat.Service
	Sessions *global.SessionsStore
	Logger   *slog.Logger
	// PingInterval paces keepalive pings while a chat is attached. Zero
	// disables them.
	PingInterval time.Duration
	// Close releases the runtime: pending propagations are drained, the
	// channel is detached, and the cache is closed.
	Close func(context.Context) error
}

type Deps struct {
	LoadConfig   func() (global.GlobalConfig, error)
	Open         func(context.Context, global.GlobalConfig) (*Runtime, error)
	RunMigrateUp func(context.Context, global.GlobalConfig) ([]string, error)
	Stdin        io.Reader
	Stdout       io.Writer
}

func BuildApp(deps Deps) *cli.App {
	out := deps.Stdout
	if out == nil {
		out = os.Stdout
	}
	in := deps.Stdin
	if in == nil {
		in = os.Stdin
	}
	return &cli.App{
		Name:      "tasksync",
		Usage:     "task tree and chat client for the clara backend",
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			tasksCommand(deps, out),
			chatCommand(deps, in, out),
			{
				Name:  "migrate",
				Usage: "run cache database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(ctx *cli.Context) error {
							cfg, err := loadConfig(deps)
							if err != nil {
								return err
							}
							if deps.RunMigrateUp == nil {
								return errors.New("migrate up runner is not configured")
							}
							applied, err := deps.RunMigrateUp(ctx.Context, cfg)
							if err != nil {
								return err
							}
							if len(applied) == 0 {
								fmt.Fprintln(out, "no pending migrations")
								return nil
							}
							for _, name := range applied {
								fmt.Fprintf(out, "applied %s\n", name)
							}
							return nil
						},
					},
				},
			},
			{
				Name:  "config",
				Usage: "inspect effective configuration",
				Subcommands: []*cli.Command{
					{
						Name:  "show",
						Usage: "print the merged configuration",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "format", Value: "toml", Usage: "toml|json"},
						},
						Action: func(ctx *cli.Context) error {
							cfg, err := loadConfig(deps)
							if err != nil {
								return err
							}
							return writeConfig(out, ctx.String("format"), cfg)
						},
					},
				},
			},
		},
	}
}

func loadConfig(deps Deps) (global.GlobalConfig, error) {
	if deps.LoadConfig == nil {
		return global.GlobalConfig{}, errors.New("config loader is not configured")
	}
	return deps.LoadConfig()
}

// withRuntime opens the runtime for one command and always closes it, so
// propagations started by fn settle before the process exits.
func withRuntime(ctx context.Context, deps Deps, fn func(*Runtime) error) (err error) {
	cfg, err := loadConfig(deps)
	if err != nil {
		return err
	}
	if deps.Open == nil {
		return errors.New("runtime opener is not configured")
	}
	rt, err := deps.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if rt.Close == nil {
			return
		}
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(rt)
}

func writeConfig(out io.Writer, format string, cfg global.GlobalConfig) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "toml", "":
		return toml.NewEncoder(out).Encode(cfg)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
