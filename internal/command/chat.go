package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"tasksync/cli/internal/chat"
	"tasksync/cli/internal/lifecycle"
	"tasksync/cli/internal/logging"
)

const defaultLinger = 30 * time.Second

func chatCommand(deps Deps, in io.Reader, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "talk to the assistant",
		Subcommands: []*cli.Command{
			{
				Name:  "sessions",
				Usage: "list recent sessions",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: chat.DefaultRecentLimit},
					&cli.BoolFlag{Name: "known", Usage: "list sessions used from this machine instead of asking the backend"},
				},
				Action: func(ctx *cli.Context) error {
					return withRuntime(ctx.Context, deps, func(rt *Runtime) error {
						if ctx.Bool("known") {
							known, err := rt.Sessions.ListSessions()
							if err != nil {
								return err
							}
							for _, s := range known {
								fmt.Fprintf(out, "%s\t%s\t%s\n", s.SessionID, s.UpdatedAt.Format(time.RFC3339), s.Title)
							}
							return nil
						}
						list, err := rt.Chat.RecentSessions(ctx.Context, ctx.Int("limit"))
						if err != nil {
							return err
						}
						for _, s := range list {
							fmt.Fprintf(out, "%s\t%s\t%s\n", s.ID, s.StartedAt.Time.Format(time.RFC3339), s.Title)
						}
						return nil
					})
				},
			},
			{
				Name:      "new",
				Usage:     "start a session",
				ArgsUsage: "[TITLE]",
				Action: func(ctx *cli.Context) error {
					return withRuntime(ctx.Context, deps, func(rt *Runtime) error {
						sess, err := rt.Chat.CreateSession(ctx.Context, strings.Join(ctx.Args().Slice(), " "))
						if sess.ID == "" {
							return err
						}
						if terr := rt.Sessions.Touch(sess.ID, sess.Title); terr != nil {
							return terr
						}
						fmt.Fprintf(out, "%s\t%s\n", sess.ID, sess.Title)
						if err != nil {
							fmt.Fprintf(out, "channel not attached: %v\n", err)
						}
						return nil
					})
				},
			},
			{
				Name:      "history",
				Usage:     "print the messages of a session",
				ArgsUsage: "[SESSION]",
				Action: func(ctx *cli.Context) error {
					return withRuntime(ctx.Context, deps, func(rt *Runtime) error {
						id, err := sessionArg(rt, ctx.Args().First())
						if err != nil {
							return err
						}
						msgs, err := rt.Chat.History(ctx.Context, id)
						if err != nil {
							return err
						}
						for _, m := range msgs {
							writeMessage(out, m)
						}
						return nil
					})
				},
			},
			{
				Name:      "send",
				Usage:     "send one message and print the reply",
				ArgsUsage: "MESSAGE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Usage: "session id, defaults to the last one used"},
				},
				Action: func(ctx *cli.Context) error {
					content := strings.TrimSpace(strings.Join(ctx.Args().Slice(), " "))
					if content == "" {
						return errors.New("message is required")
					}
					return withRuntime(ctx.Context, deps, func(rt *Runtime) error {
						id, err := sessionArg(rt, ctx.String("session"))
						if err != nil {
							return err
						}
						sess, err := rt.Chat.Select(ctx.Context, id)
						if err != nil {
							return err
						}
						ex, err := rt.Chat.SendHTTP(ctx.Context, content)
						if err != nil {
							return err
						}
						_ = rt.Sessions.Touch(sess.ID, sess.Title)
						fmt.Fprintln(out, ex.AIResponse.Content)
						return nil
					})
				},
			},
			{
				Name:      "attach",
				Usage:     "open a live session and send stdin lines as messages",
				ArgsUsage: "[SESSION]",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "linger", Value: defaultLinger, Usage: "how long to wait for replies after stdin closes"},
				},
				Action: func(ctx *cli.Context) error {
					return withRuntime(ctx.Context, deps, func(rt *Runtime) error {
						id, err := sessionArg(rt, ctx.Args().First())
						if err != nil {
							return err
						}
						sess, err := rt.Chat.LoadSession(ctx.Context, id)
						if err != nil {
							return err
						}
						if err := rt.Sessions.Touch(sess.ID, sess.Title); err != nil {
							return err
						}
						fmt.Fprintf(out, "attached to %s %q, /quit to leave\n", sess.ID, sess.Title)
						return attach(ctx.Context, rt, in, out, ctx.Duration("linger"))
					})
				},
			},
		},
	}
}

func sessionArg(rt *Runtime, explicit string) (string, error) {
	if id := strings.TrimSpace(explicit); id != "" {
		return id, nil
	}
	id, err := rt.Sessions.Last()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("no session given and none used before; run `tasksync chat new` first")
	}
	return id, nil
}

// attach pumps stdin into the session and prints log updates until stdin
// closes, /quit is read, the channel gives up redialing, or the process is
// signalled.
func attach(parent context.Context, rt *Runtime, in io.Reader, out io.Writer, linger time.Duration) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()

	svc := rt.Chat
	logger := rt.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	pr := &printer{out: out, seen: map[int64]bool{}}
	pr.flush(svc)

	mgr := lifecycle.NewManager(logger)
	mgr.AddRun("print", func(ctx context.Context) error {
		for {
			if err := svc.Exhausted(); err != nil {
				return fmt.Errorf("channel gave up reconnecting, run chat attach again: %w", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-svc.Changes():
				pr.flush(svc)
			}
		}
	})
	if rt.PingInterval > 0 {
		mgr.AddRun("ping", func(ctx context.Context) error {
			tick := time.NewTicker(rt.PingInterval)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-tick.C:
					if err := svc.Ping(ctx); err != nil {
						logger.Debug("ping skipped", "err", err)
					}
				}
			}
		})
	}
	mgr.AddRun("stdin", func(ctx context.Context) error {
		defer stop()
		lines := make(chan string)
		readErr := make(chan error, 1)
		go func() {
			sc := bufio.NewScanner(in)
			for sc.Scan() {
				select {
				case lines <- sc.Text():
				case <-ctx.Done():
					return
				}
			}
			readErr <- sc.Err()
		}()
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-readErr:
				if err != nil {
					return err
				}
				awaitReplies(ctx, svc, linger)
				return nil
			case line := <-lines:
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if line == "/quit" {
					return nil
				}
				if err := svc.Send(ctx, line); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
		}
	})
	mgr.AddShutdown("disconnect", func(context.Context) error {
		svc.Close()
		return nil
	})
	mgr.AddShutdown("flush", func(context.Context) error {
		pr.flush(svc)
		return nil
	})
	err := mgr.StartAndWait(ctx, os.Interrupt, syscall.SIGTERM)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// awaitReplies returns once no loading placeholder is left or linger passes.
func awaitReplies(ctx context.Context, svc *chat.Service, linger time.Duration) {
	timer := time.NewTimer(linger)
	defer timer.Stop()
	for {
		if !hasLoading(svc.Messages()) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func hasLoading(msgs []chat.Message) bool {
	for _, m := range msgs {
		if m.Loading {
			return true
		}
	}
	return false
}

// printer writes each confirmed or failed message once.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	seen    map[int64]bool
	lastErr string
}

func (p *printer) flush(svc *chat.Service) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range svc.Messages() {
		if m.Pending || m.Loading || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		writeMessage(p.out, m)
	}
	if e := svc.Err(); e != "" && e != p.lastErr {
		p.lastErr = e
		fmt.Fprintf(p.out, "! %s\n", e)
	}
}

func writeMessage(out io.Writer, m chat.Message) {
	who := "you"
	if m.From == chat.FromModel {
		who = "ai"
	}
	switch {
	case m.Err != "":
		fmt.Fprintf(out, "%s> %s (failed: %s)\n", who, m.Content, m.Err)
	default:
		fmt.Fprintf(out, "%s> %s\n", who, m.Content)
	}
}
