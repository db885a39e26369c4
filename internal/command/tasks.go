package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"tasksync/cli/internal/syncer"
	"tasksync/cli/internal/tree"
)

const defaultSyncWait = 30 * time.Second

func tasksCommand(deps Deps, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "inspect and edit the task tree",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "wait", Value: defaultSyncWait, Usage: "how long to wait for the backend to confirm a change"},
		},
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print the task tree",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Value: "tree", Usage: "tree|yaml|json"},
				},
				Action: func(ctx *cli.Context) error {
					return withRuntime(ctx.Context, deps, func(rt *Runtime) error {
						if rt.Tasks.Offline() {
							fmt.Fprintln(out, "# offline: showing cached tasks")
						}
						return writeForest(out, ctx.String("format"), rt.Tasks.Forest())
					})
				},
			},
			{
				Name:      "add",
				Usage:     "create a task",
				ArgsUsage: "TITLE",
				Flags:     []cli.Flag{parentFlag()},
				Action: func(ctx *cli.Context) error {
					title := strings.TrimSpace(strings.Join(ctx.Args().Slice(), " "))
					if title == "" {
						return errors.New("task title is required")
					}
					return withRuntime(ctx.Context, deps, func(rt *Runtime) error {
						node, p, err := rt.Tasks.Insert(title, ctx.Int64("parent"))
						if err != nil {
							return err
						}
						fmt.Fprintf(out, "created task %d %q\n", node.ID, node.Title)
						if err := settle(ctx, out, rt, p); err != nil {
							return err
						}
						if id := p.AssignedID(); id != 0 {
							fmt.Fprintf(out, "task %d is now %d\n", node.ID, id)
						}
						return nil
					})
				},
			},
			{
				Name:      "move",
				Usage:     "move a task under another parent",
				ArgsUsage: "ID",
				Flags: []cli.Flag{
					parentFlag(),
					&cli.IntFlag{Name: "index", Value: tree.End, Usage: "position among the new siblings, -1 to append"},
				},
				Action: func(ctx *cli.Context) error {
					id, err := argID(ctx, 0)
					if err != nil {
						return err
					}
					return mutate(ctx, deps, out, func(rt *Runtime) (*syncer.Propagation, error) {
						return rt.Tasks.Move(id, ctx.Int64("parent"), ctx.Int("index"))
					})
				},
			},
			{
				Name:      "reorder",
				Usage:     "reorder children of a parent",
				ArgsUsage: "FROM TO",
				Flags:     []cli.Flag{parentFlag()},
				Action: func(ctx *cli.Context) error {
					from, err := argInt(ctx, 0)
					if err != nil {
						return err
					}
					to, err := argInt(ctx, 1)
					if err != nil {
						return err
					}
					return mutate(ctx, deps, out, func(rt *Runtime) (*syncer.Propagation, error) {
						return rt.Tasks.Reorder(ctx.Int64("parent"), from, to)
					})
				},
			},
			{
				Name:      "rm",
				Usage:     "remove a task and its subtasks",
				ArgsUsage: "ID",
				Action: func(ctx *cli.Context) error {
					id, err := argID(ctx, 0)
					if err != nil {
						return err
					}
					return mutate(ctx, deps, out, func(rt *Runtime) (*syncer.Propagation, error) {
						return rt.Tasks.Remove(id)
					})
				},
			},
			{
				Name:      "rename",
				Usage:     "change a task title",
				ArgsUsage: "ID TITLE",
				Action: func(ctx *cli.Context) error {
					id, err := argID(ctx, 0)
					if err != nil {
						return err
					}
					title := strings.TrimSpace(strings.Join(ctx.Args().Tail(), " "))
					if title == "" {
						return errors.New("task title is required")
					}
					return mutate(ctx, deps, out, func(rt *Runtime) (*syncer.Propagation, error) {
						return rt.Tasks.Rename(id, title)
					})
				},
			},
			{
				Name:      "status",
				Usage:     "set a task status (todo, in-progress, done, archived)",
				ArgsUsage: "ID STATUS",
				Action: func(ctx *cli.Context) error {
					id, err := argID(ctx, 0)
					if err != nil {
						return err
					}
					status, ok := tree.ParseStatus(ctx.Args().Get(1))
					if !ok {
						return fmt.Errorf("unknown status %q", ctx.Args().Get(1))
					}
					return mutate(ctx, deps, out, func(rt *Runtime) (*syncer.Propagation, error) {
						return rt.Tasks.SetStatus(id, status)
					})
				},
			},
			{
				Name:      "complete",
				Usage:     "mark a task done",
				ArgsUsage: "ID",
				Action: func(ctx *cli.Context) error {
					id, err := argID(ctx, 0)
					if err != nil {
						return err
					}
					return mutate(ctx, deps, out, func(rt *Runtime) (*syncer.Propagation, error) {
						return rt.Tasks.Complete(id)
					})
				},
			},
			{
				Name:  "resync",
				Usage: "replace the local tree with the backend's",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "clear-cache", Usage: "drop the cached tree first"},
				},
				Action: func(ctx *cli.Context) error {
					return withRuntime(ctx.Context, deps, func(rt *Runtime) error {
						var err error
						if ctx.Bool("clear-cache") {
							err = rt.Tasks.ClearCacheAndResync(ctx.Context)
						} else {
							err = rt.Tasks.Resync(ctx.Context)
						}
						if err != nil {
							return err
						}
						fmt.Fprintf(out, "workspace %d synchronized, %d top-level tasks\n", rt.Tasks.WorkspaceID(), len(rt.Tasks.Forest()))
						return nil
					})
				},
			},
		},
	}
}

func parentFlag() cli.Flag {
	return &cli.Int64Flag{Name: "parent", Usage: "parent task id, 0 for top level"}
}

func mutate(ctx *cli.Context, deps Deps, out io.Writer, apply func(*Runtime) (*syncer.Propagation, error)) error {
	return withRuntime(ctx.Context, deps, func(rt *Runtime) error {
		p, err := apply(rt)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s task %d\n", p.Mutation.Kind, p.Mutation.TargetID)
		return settle(ctx, out, rt, p)
	})
}

// settle waits for the backend outcome of p and reports it.
func settle(ctx *cli.Context, out io.Writer, rt *Runtime, p *syncer.Propagation) error {
	waitCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("wait"))
	defer cancel()
	if err := p.Wait(waitCtx); err != nil {
		return fmt.Errorf("sync %s: %w", p.Mutation.Kind, err)
	}
	if rt.Tasks.Offline() || p.Mutation.TargetID < 0 {
		fmt.Fprintln(out, "kept locally")
		return nil
	}
	fmt.Fprintln(out, "synced")
	return nil
}

func argID(ctx *cli.Context, i int) (int64, error) {
	raw := ctx.Args().Get(i)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == tree.Root {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func argInt(ctx *cli.Context, i int) (int, error) {
	raw := ctx.Args().Get(i)
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", raw)
	}
	return v, nil
}

func writeForest(out io.Writer, format string, forest []*tree.Node) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(forest)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(forest); err != nil {
			return err
		}
		return enc.Close()
	case "tree", "":
		if len(forest) == 0 {
			fmt.Fprintln(out, "no tasks")
			return nil
		}
		for _, n := range forest {
			writeNode(out, n, 0)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func writeNode(out io.Writer, n *tree.Node, depth int) {
	fmt.Fprintf(out, "%s[%s] %d %s\n", strings.Repeat("  ", depth), n.Status, n.ID, n.Title)
	for _, c := range n.Children {
		writeNode(out, c, depth+1)
	}
}
