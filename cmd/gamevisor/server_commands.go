package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/gamevisor/pkg/client"
)

func createServersCommand(api *apiCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "servers",
		Aliases: []string{"server"},
		Short:   "Manage server definitions",
	}
	var file string

	list := &cobra.Command{
		Use:   "list",
		Short: "List servers",
		Args:  cobra.NoArgs,
		RunE: api.run(func(x call) error {
			recs, err := x.c.ListServers(x.ctx)
			if err != nil {
				return err
			}
			return printJSON(x.out, recs)
		}),
	}
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one server",
		Args:  cobra.ExactArgs(1),
		RunE: api.run(func(x call) error {
			rec, err := x.c.GetServer(x.ctx, x.args[0])
			if err != nil {
				return err
			}
			return printJSON(x.out, rec)
		}),
	}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a server from a JSON definition",
		Long: `Create a server from a JSON definition. Omitted fields take their defaults.

Example lobby.json:
{
  "id": "lobby",
  "name": "Lobby",
  "variant": "paper",
  "port": 25565,
  "memory_gb": 4
}`,
		Args: cobra.NoArgs,
		RunE: api.run(func(x call) error {
			var rec client.Server
			if err := readJSONFile(file, &rec); err != nil {
				return err
			}
			out, err := x.c.CreateServer(x.ctx, rec)
			if err != nil {
				return err
			}
			return printJSON(x.out, out)
		}),
	}
	create.Flags().StringVar(&file, "file", "-", "JSON definition (- for stdin)")

	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Apply a partial JSON update to a server",
		Args:  cobra.ExactArgs(1),
		RunE: api.run(func(x call) error {
			var patch client.ServerPatch
			if err := readJSONFile(file, &patch); err != nil {
				return err
			}
			out, err := x.c.UpdateServer(x.ctx, x.args[0], patch)
			if err != nil {
				return err
			}
			return printJSON(x.out, out)
		}),
	}
	update.Flags().StringVar(&file, "file", "-", "JSON patch (- for stdin)")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a server with its files, backups and schedules",
		Args:  cobra.ExactArgs(1),
		RunE: api.run(func(x call) error {
			return x.c.DeleteServer(x.ctx, x.args[0])
		}),
	}
	cmd.AddCommand(list, get, create, update, del)
	return cmd
}

func lifecycleCommand(api *apiCommand, use, short string, fn func(x call) (client.Runtime, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: api.run(func(x call) error {
			rt, err := fn(x)
			if err != nil {
				return err
			}
			return printJSON(x.out, rt)
		}),
	}
}

func createStartCommand(api *apiCommand) *cobra.Command {
	return lifecycleCommand(api, "start", "Start a server", func(x call) (client.Runtime, error) {
		return x.c.Start(x.ctx, x.args[0])
	})
}

func createStopCommand(api *apiCommand) *cobra.Command {
	return lifecycleCommand(api, "stop", "Stop a server gracefully", func(x call) (client.Runtime, error) {
		return x.c.Stop(x.ctx, x.args[0])
	})
}

func createRestartCommand(api *apiCommand) *cobra.Command {
	return lifecycleCommand(api, "restart", "Restart a server", func(x call) (client.Runtime, error) {
		return x.c.Restart(x.ctx, x.args[0])
	})
}

func createCommandCommand(api *apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "command <id> <console line...>",
		Short: "Send a console command to a running server",
		Args:  cobra.MinimumNArgs(2),
		RunE: api.run(func(x call) error {
			return x.c.SendCommand(x.ctx, x.args[0], strings.Join(x.args[1:], " "))
		}),
	}
}

func createStatusCommand(api *apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show the live state of one or every server",
		Args:  cobra.MaximumNArgs(1),
		RunE: api.run(func(x call) error {
			if len(x.args) == 1 {
				rt, err := x.c.Runtime(x.ctx, x.args[0])
				if err != nil {
					return err
				}
				return printJSON(x.out, rt)
			}
			rts, err := x.c.Runtimes(x.ctx)
			if err != nil {
				return err
			}
			return printJSON(x.out, rts)
		}),
	}
}

func createPlayersCommand(api *apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "players <id> [action name]",
		Short: "List online players or run a player action",
		Long: `List online players, or run one of the player actions:
whitelist-add, whitelist-remove, op, deop, ban, pardon, kick.

Examples:
  gamevisor players lobby
  gamevisor players lobby op Steve`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 && len(args) != 3 {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return nil
		},
		RunE: api.run(func(x call) error {
			if len(x.args) == 3 {
				return x.c.PlayerAction(x.ctx, x.args[0], x.args[1], x.args[2])
			}
			players, err := x.c.Players(x.ctx, x.args[0])
			if err != nil {
				return err
			}
			return printJSON(x.out, players)
		}),
	}
}
