// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package process implements the shared plumbing between commands:
// config loading, signal-aware contexts and logger construction.
package process

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the default process errs class.
var Error = errs.Class("process")

// DefaultConfFilename is the config file loaded from the config directory.
const DefaultConfFilename = "config.yaml"

const envPrefix = "DUCKPOND"

var (
	contexts  = map[*cobra.Command]context.Context{}
	contextMu sync.Mutex
)

// Ctx returns a signal-aware context for the command. The context is
// canceled on SIGINT or SIGTERM.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	contextMu.Lock()
	defer contextMu.Unlock()

	ctx, ok := contexts[cmd]
	if !ok {
		ctx = context.Background()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Exec runs the command tree, layering the config file and environment
// onto flags before each RunE executes.
func Exec(cmd *cobra.Command) {
	cmd.AddCommand(&cobra.Command{
		Use:    "completion",
		Hidden: true,
	})
	cleanup(cmd)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cleanup(cmd *cobra.Command) {
	for _, child := range cmd.Commands() {
		cleanup(child)
	}
	if cmd.RunE == nil {
		return
	}

	internalRun := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}

		contextMu.Lock()
		contexts[cmd] = context.Background()
		contextMu.Unlock()

		return internalRun(cmd, args)
	}
}

// loadConfig applies config file and environment values to flags which
// were not set explicitly on the command line.
func loadConfig(cmd *cobra.Command) error {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return Error.Wrap(err)
	}
	vip.SetEnvPrefix(envPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if confDir := flagValue(cmd, "config-dir"); confDir != "" {
		path := filepath.Join(confDir, DefaultConfFilename)
		if _, err := os.Stat(path); err == nil {
			vip.SetConfigFile(path)
			if err := vip.ReadInConfig(); err != nil {
				return Error.New("reading %s: %w", path, err)
			}
		}
	}

	var group errs.Group
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed || flag.Name == "config-dir" {
			return
		}
		if vip.IsSet(flag.Name) {
			value := vip.GetString(flag.Name)
			if value == flag.DefValue {
				return
			}
			group.Add(cmd.Flags().Set(flag.Name, value))
		}
	})
	return group.Err()
}

func flagValue(cmd *cobra.Command, name string) string {
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		return ""
	}
	return flag.Value.String()
}

// SaveConfig writes the command's flags as a commented config.yaml,
// used by setup commands.
func SaveConfig(cmd *cobra.Command, path string) error {
	var flags []*pflag.Flag
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "config-dir" || flag.Name == "help" {
			return
		}
		flags = append(flags, flag)
	})
	sort.Slice(flags, func(i, j int) bool { return flags[i].Name < flags[j].Name })

	var out strings.Builder
	for _, flag := range flags {
		if flag.Usage != "" {
			fmt.Fprintf(&out, "# %s\n", flag.Usage)
		}
		fmt.Fprintf(&out, "# %s: %s\n\n", flag.Name, yamlValue(flag.Value.String()))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.WriteFile(path, []byte(out.String()), 0o600))
}

func yamlValue(value string) string {
	if value == "" || strings.ContainsAny(value, ":#{}[]&*?|<>=!%@`\"'") {
		return fmt.Sprintf("%q", value)
	}
	return value
}
