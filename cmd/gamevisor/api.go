package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/loykin/gamevisor/internal/config"
	"github.com/loykin/gamevisor/pkg/client"
)

// apiCommand builds daemon clients for the client-side commands.
type apiCommand struct {
	flags *GlobalFlags
}

// baseURL picks --api-url, then the config's listen address, then the local default.
func (a *apiCommand) baseURL() (string, error) {
	if a.flags.APIUrl != "" {
		return a.flags.APIUrl, nil
	}
	if a.flags.ConfigPath == "" {
		return client.DefaultConfig().BaseURL, nil
	}
	cfg, err := config.Load(a.flags.ConfigPath)
	if err != nil {
		return "", err
	}
	scheme := "http"
	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, cfg.Server.Listen, cfg.Server.BasePath), nil
}

func (a *apiCommand) actor() string {
	if a.flags.Actor != "" {
		return a.flags.Actor
	}
	if u, err := user.Current(); err == nil {
		return "cli:" + u.Username
	}
	return "cli"
}

func (a *apiCommand) client() (*client.Client, error) {
	url, err := a.baseURL()
	if err != nil {
		return nil, err
	}
	cfg := client.Config{
		BaseURL:  url,
		Timeout:  a.flags.APITimeout,
		Actor:    a.actor(),
		Insecure: a.flags.Insecure,
	}
	if a.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: a.flags.CACert}
	}
	return client.New(cfg)
}

// call carries what a client-side command needs.
type call struct {
	ctx  context.Context
	c    *client.Client
	out  io.Writer
	args []string
}

// run adapts fn to a cobra RunE with a connected client.
func (a *apiCommand) run(fn func(call) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := a.client()
		if err != nil {
			return err
		}
		return fn(call{ctx: cmd.Context(), c: c, out: cmd.OutOrStdout(), args: args})
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSONFile decodes a JSON file, or stdin when path is "-".
func readJSONFile(path string, v any) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path) // #nosec G304
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// printLine writes v as one compact JSON line.
func printLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
