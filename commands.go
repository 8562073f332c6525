package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"otk-tracker/catalog"
	"otk-tracker/config"
	"otk-tracker/poll"
	"otk-tracker/server"
)

type commandContext struct {
	configFlag string
	levelFlag  string
}

func (c *commandContext) load() (*config.Config, error) {
	cfg, _, _, err := config.Load(strings.TrimSpace(c.configFlag))
	if err != nil {
		return nil, err
	}
	if c.levelFlag != "" {
		cfg.Logging.Level = strings.ToLower(c.levelFlag)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// withApp loads config, builds the app and runs fn with it.
func (c *commandContext) withApp(cmd *cobra.Command, fn func(*app) error) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "otk-tracker",
		Short:         "Track keyword-matched board threads",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&ctx.levelFlag, "log-level", "", "Override logging level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newRefreshCommand(ctx))
	rootCmd.AddCommand(newResetCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	return rootCmd
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run background synchronization and the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				interval := time.Duration(a.cfg.Sync.IntervalSeconds) * time.Second
				scheduler := poll.NewScheduler(a.engine, interval, a.cfg.Sync.Background, a.logger)
				srv := server.New(&server.Config{
					Engine:           a.engine,
					Scheduler:        scheduler,
					Media:            a.media,
					Logger:           a.logger,
					ActionsPerMinute: a.cfg.Server.ActionsPerMinute,
				})

				go scheduler.Run(cmd.Context())
				return srv.ListenAndServe(cmd.Context(), ":"+a.cfg.Server.Port)
			})
		},
	}
}

func newRefreshCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run one synchronization cycle and print new messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				res, err := a.engine.Sync(cmd.Context(), poll.TriggerManual)
				if errors.Is(err, catalog.ErrUnavailable) {
					return fmt.Errorf("catalog unavailable, try again later: %w", err)
				}
				if err != nil {
					return err
				}
				printRefresh(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all tracked threads, messages and media",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes all stored data; pass --yes to confirm")
			}
			return ctx.withApp(cmd, func(a *app) error {
				if err := a.engine.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All tracked data cleared.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tracked threads and media counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				printStatus(cmd, a)
				return nil
			})
		},
	}
}

func printStatus(cmd *cobra.Command, a *app) {
	out := cmd.OutOrStdout()
	snap := a.engine.Snapshot()
	if len(snap.Active) == 0 {
		fmt.Fprintln(out, "No threads tracked.")
	} else {
		rows := make([][]string, 0, len(snap.Active))
		for _, id := range snap.Active {
			msgs := snap.Messages[id]
			color, _ := a.engine.ColorFor(cmd.Context(), id)
			last := "-"
			if len(msgs) > 0 {
				last = formatUnix(msgs[len(msgs)-1].Time)
			}
			rows = append(rows, []string{id.String(), threadTitle(msgs), fmt.Sprint(len(msgs)), last, color})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Thread", "Title", "Messages", "Last post", "Color"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft},
		))
	}
	printStats(out, snap.Stats.ImagesFetched, snap.Stats.ImagesStored, snap.Stats.VideosFetched, snap.Stats.VideosStored)
}

func printStats(out io.Writer, imagesFetched, imagesStored, videosFetched, videosStored int64) {
	fmt.Fprintln(out, renderTable(
		[]string{"Media", "Fetched", "Stored"},
		[][]string{
			{"Images", fmt.Sprint(imagesFetched), fmt.Sprint(imagesStored)},
			{"Videos", fmt.Sprint(videosFetched), fmt.Sprint(videosStored)},
		},
		[]columnAlignment{alignLeft, alignRight, alignRight},
	))
}

func printRefresh(out io.Writer, res *poll.Result) {
	if res.Skipped {
		fmt.Fprintln(out, "A synchronization cycle is already running.")
		return
	}
	fmt.Fprintf(out, "Cycle %s: %d added, %d removed, %d fetched, %d unchanged, %d failed\n",
		res.CycleID, len(res.Added), len(res.Removed), res.Fetched, res.NotModified, res.Failed)
	if len(res.NewMessages) == 0 {
		fmt.Fprintln(out, "No new messages.")
		return
	}
	rows := make([][]string, 0, len(res.NewMessages))
	for _, m := range res.NewMessages {
		media := ""
		if m.Attachment != nil {
			media = m.Attachment.Filename + m.Attachment.Ext
		}
		rows = append(rows, []string{formatUnix(m.Time), m.ThreadID.String(), fmt.Sprint(m.ID), truncate(m.Text, 60), media})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Time", "Thread", "Post", "Text", "Media"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
}
