package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/gamevisor/internal/event"
	"github.com/loykin/gamevisor/pkg/client"
)

func createFilesCommand(api *apiCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Browse and edit files inside a server directory",
	}
	ls := &cobra.Command{
		Use:   "ls <id> [dir]",
		Short: "List a directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: api.run(func(x call) error {
			dir := ""
			if len(x.args) == 2 {
				dir = x.args[1]
			}
			entries, err := x.c.ListFiles(x.ctx, x.args[0], dir)
			if err != nil {
				return err
			}
			return printJSON(x.out, entries)
		}),
	}
	cat := &cobra.Command{
		Use:   "cat <id> <path>",
		Short: "Print a file",
		Args:  cobra.ExactArgs(2),
		RunE: api.run(func(x call) error {
			data, err := x.c.ReadFile(x.ctx, x.args[0], x.args[1])
			if err != nil {
				return err
			}
			_, err = x.out.Write(data)
			return err
		}),
	}
	upload := &cobra.Command{
		Use:   "upload <id> <path> <local-file|->",
		Short: "Upload a local file (or stdin) to path",
		Args:  cobra.ExactArgs(3),
		RunE: api.run(func(x call) error {
			var r io.Reader = os.Stdin
			if x.args[2] != "-" {
				f, err := os.Open(x.args[2]) // #nosec G304
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			n, err := x.c.Upload(x.ctx, x.args[0], x.args[1], r)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(x.out, "%d bytes written to %s\n", n, x.args[1])
			return err
		}),
	}
	mkdir := &cobra.Command{
		Use:   "mkdir <id> <dir>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(2),
		RunE: api.run(func(x call) error {
			return x.c.Mkdir(x.ctx, x.args[0], x.args[1])
		}),
	}
	rm := &cobra.Command{
		Use:   "rm <id> <path>",
		Short: "Remove a file or directory tree",
		Args:  cobra.ExactArgs(2),
		RunE: api.run(func(x call) error {
			return x.c.RemoveFile(x.ctx, x.args[0], x.args[1])
		}),
	}
	extract := &cobra.Command{
		Use:   "extract <id> <archive.zip> [dest]",
		Short: "Unpack a zip archive already in the server directory",
		Args:  cobra.RangeArgs(2, 3),
		RunE: api.run(func(x call) error {
			dest := ""
			if len(x.args) == 3 {
				dest = x.args[2]
			}
			n, err := x.c.Extract(x.ctx, x.args[0], x.args[1], dest)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(x.out, "%d files extracted\n", n)
			return err
		}),
	}
	cmd.AddCommand(ls, cat, upload, mkdir, rm, extract)
	return cmd
}

func createBackupsCommand(api *apiCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backups",
		Aliases: []string{"backup"},
		Short:   "Create, restore and manage backups",
	}
	var description, output string

	list := &cobra.Command{
		Use:   "ls <id>",
		Short: "List backups, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: api.run(func(x call) error {
			recs, err := x.c.ListBackups(x.ctx, x.args[0])
			if err != nil {
				return err
			}
			return printJSON(x.out, recs)
		}),
	}
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Archive the server directory",
		Args:  cobra.ExactArgs(1),
		RunE: api.run(func(x call) error {
			rec, err := x.c.CreateBackup(x.ctx, x.args[0], description)
			if err != nil {
				return err
			}
			return printJSON(x.out, rec)
		}),
	}
	create.Flags().StringVar(&description, "description", "", "backup description")

	setLock := func(use, short string, locked bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id> <backup>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: api.run(func(x call) error {
				rec, err := x.c.UpdateBackup(x.ctx, x.args[0], x.args[1], client.BackupUpdate{Locked: &locked})
				if err != nil {
					return err
				}
				return printJSON(x.out, rec)
			}),
		}
	}
	rm := &cobra.Command{
		Use:   "rm <id> <backup>",
		Short: "Delete an unlocked backup",
		Args:  cobra.ExactArgs(2),
		RunE: api.run(func(x call) error {
			return x.c.DeleteBackup(x.ctx, x.args[0], x.args[1])
		}),
	}
	restore := &cobra.Command{
		Use:   "restore <id> <backup>",
		Short: "Replace the server directory with a backup, stopping the server first",
		Args:  cobra.ExactArgs(2),
		RunE: api.run(func(x call) error {
			rt, err := x.c.RestoreBackup(x.ctx, x.args[0], x.args[1])
			if err != nil {
				return err
			}
			return printJSON(x.out, rt)
		}),
	}
	download := &cobra.Command{
		Use:   "download <id> <backup>",
		Short: "Download a backup archive",
		Args:  cobra.ExactArgs(2),
		RunE: api.run(func(x call) error {
			name := output
			if name == "" {
				name = x.args[1] + ".tar.gz"
			}
			f, err := os.Create(name) // #nosec G304
			if err != nil {
				return err
			}
			n, err := x.c.DownloadBackup(x.ctx, x.args[0], x.args[1], f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(name)
				return err
			}
			_, err = fmt.Fprintf(x.out, "%d bytes written to %s\n", n, name)
			return err
		}),
	}
	download.Flags().StringVarP(&output, "output", "o", "", "destination file (default <backup>.tar.gz)")
	usage := &cobra.Command{
		Use:   "usage <id>",
		Short: "Total size of a server's backups",
		Args:  cobra.ExactArgs(1),
		RunE: api.run(func(x call) error {
			n, err := x.c.BackupUsage(x.ctx, x.args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(x.out, n)
			return err
		}),
	}
	cmd.AddCommand(list, create, setLock("lock", "Protect a backup from deletion", true),
		setLock("unlock", "Allow a backup to be deleted", false), rm, restore, download, usage)
	return cmd
}

func createSchedulesCommand(api *apiCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"schedule"},
		Short:   "Manage cron schedules",
	}
	var add client.Schedule
	var inactive bool

	list := &cobra.Command{
		Use:   "ls <id>",
		Short: "List schedules",
		Args:  cobra.ExactArgs(1),
		RunE: api.run(func(x call) error {
			recs, err := x.c.ListSchedules(x.ctx, x.args[0])
			if err != nil {
				return err
			}
			return printJSON(x.out, recs)
		}),
	}
	create := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace a schedule",
		Long: `Add or replace a schedule. Commands: backup, start, stop, restart, command.

Examples:
  gamevisor schedules add lobby --name=nightly --cron="0 4 * * *" --run=restart
  gamevisor schedules add lobby --name=notice --cron="*/30 * * * *" --run=command --args="say hello"`,
		Args: cobra.ExactArgs(1),
		RunE: api.run(func(x call) error {
			rec := add
			rec.Active = !inactive
			out, err := x.c.CreateSchedule(x.ctx, x.args[0], rec)
			if err != nil {
				return err
			}
			return printJSON(x.out, out)
		}),
	}
	create.Flags().StringVar(&add.ID, "schedule-id", "", "schedule id (generated when empty; an existing id is replaced)")
	create.Flags().StringVar(&add.Name, "name", "", "display name")
	create.Flags().StringVar(&add.Cron, "cron", "", "five-field cron expression")
	create.Flags().StringVar(&add.Command, "run", "", "backup, start, stop, restart or command")
	create.Flags().StringVar(&add.Args, "args", "", "console line for --run=command")
	create.Flags().BoolVar(&inactive, "inactive", false, "store the schedule without running it")

	rm := &cobra.Command{
		Use:   "rm <id> <schedule>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(2),
		RunE: api.run(func(x call) error {
			return x.c.DeleteSchedule(x.ctx, x.args[0], x.args[1])
		}),
	}
	auto := &cobra.Command{
		Use:   "auto-backup <id>",
		Short: "Enable the two-hourly backup schedule",
		Args:  cobra.ExactArgs(1),
		RunE: api.run(func(x call) error {
			rec, err := x.c.EnableAutoBackup(x.ctx, x.args[0])
			if err != nil {
				return err
			}
			return printJSON(x.out, rec)
		}),
	}
	cmd.AddCommand(list, create, rm, auto)
	return cmd
}

func createEventsCommand(api *apiCommand) *cobra.Command {
	var server, topics string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream daemon events as JSON lines",
		Long: `Stream daemon events as JSON lines until interrupted.
Topics: ` + topicList() + `

Examples:
  gamevisor events --server=lobby --topics=log
  gamevisor events --topics=status,backup:status`,
		Args: cobra.NoArgs,
		RunE: api.run(func(x call) error {
			var ts []client.Topic
			for _, t := range strings.Split(topics, ",") {
				if t = strings.TrimSpace(t); t == "" {
					continue
				}
				topic, ok := event.ParseTopic(t)
				if !ok {
					return fmt.Errorf("unknown topic %q", t)
				}
				ts = append(ts, topic)
			}
			err := x.c.Events(x.ctx, server, ts, func(e client.Event) error {
				return printLine(x.out, e)
			})
			if x.ctx.Err() != nil {
				return nil
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&server, "server", "", "only events of this server")
	cmd.Flags().StringVar(&topics, "topics", "", "comma-separated topics (default all)")
	return cmd
}

func topicList() string {
	names := make([]string, len(event.Topics))
	for i, t := range event.Topics {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
