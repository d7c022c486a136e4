// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// duckpond runs the storage core: the catalog, the table engine, the
// HTTP control plane and the wire protocol listener.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core"
	"duckpond.io/duckpond/core/catalogdb"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/internal/cfgstruct"
	"duckpond.io/duckpond/internal/process"
	"duckpond.io/duckpond/internal/version"
)

// RunFlags defines the full duckpond process configuration.
type RunFlags struct {
	core.Config

	DataDir string `help:"directory for the catalog, table data and snapshots" default:"$CONFDIR/data"`
	Log     process.LogConfig
}

var (
	rootCmd = &cobra.Command{
		Use:   "duckpond",
		Short: "Duckpond storage core",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the storage core",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the catalog to the latest schema",
		RunE:  cmdMigrate,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("duckpond", version.Build.Version)
			if version.Build.CommitHash != "" {
				fmt.Println("commit", version.Build.CommitHash)
			}
			if version.Build.Timestamp != "" {
				fmt.Println("built", version.Build.Timestamp)
			}
		},
	}

	runCfg     RunFlags
	setupCfg   RunFlags
	migrateCfg RunFlags
	confDir    string
)

func init() {
	defaultConfDir := applicationDir()
	if value, ok := earlyFlagValue("config-dir"); ok {
		defaultConfDir = value
	}

	rootCmd.PersistentFlags().StringVar(&confDir, "config-dir", defaultConfDir, "main directory for duckpond configuration")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	cfgstruct.Bind(runCmd.Flags(), &runCfg, cfgstruct.ConfDir(defaultConfDir))
	cfgstruct.Bind(setupCmd.Flags(), &setupCfg, cfgstruct.ConfDir(defaultConfDir))
	cfgstruct.Bind(migrateCmd.Flags(), &migrateCfg, cfgstruct.ConfDir(defaultConfDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger("duckpond", runCfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	secrets := loadSecrets(log)

	dataDir, err := filepath.Abs(runCfg.DataDir)
	if err != nil {
		return errs.New("resolving data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return errs.New("creating data directory: %w", err)
	}
	lay := layout.New(dataDir)

	// A second process on the same data directory would corrupt table
	// files behind the lock manager's back.
	lock := flock.New(lay.LockPath())
	held, err := lock.TryLock()
	if err != nil {
		return errs.New("locking data directory: %w", err)
	}
	if !held {
		return errs.New("data directory %s is in use by another process", dataDir)
	}
	defer func() { err = errs.Combine(err, lock.Unlock()) }()

	db, err := catalogdb.Open(ctx, log.Named("catalogdb"), lay.CatalogPath())
	if err != nil {
		return errs.New("opening catalog: %w", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("migrating catalog: %w", err)
	}
	if err := db.Preflight(ctx); err != nil {
		return errs.New("catalog preflight: %w", err)
	}

	peer, err := core.New(log, db, lay, secrets, version.Build.Version, runCfg.Config)
	if err != nil {
		return err
	}

	log.Info("duckpond started",
		zap.String("version", version.Build.Version),
		zap.String("data", dataDir),
		zap.String("api", peer.APIAddr()),
		zap.String("pgwire", peer.PGWireAddr()))

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	configFile := filepath.Join(setupDir, process.DefaultConfFilename)
	if _, err := os.Stat(configFile); err == nil {
		return errs.New("configuration already exists (%v)", configFile)
	}

	if err := os.MkdirAll(setupDir, 0o700); err != nil {
		return err
	}
	return process.SaveConfig(cmd, configFile)
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger("duckpond", migrateCfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dataDir, err := filepath.Abs(migrateCfg.DataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	lay := layout.New(dataDir)

	db, err := catalogdb.Open(ctx, log.Named("catalogdb"), lay.CatalogPath())
	if err != nil {
		return errs.New("opening catalog: %w", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return db.MigrateToLatest(ctx)
}

// loadSecrets reads process secrets from the environment. Secrets never
// travel through flags or config files, which end up in shell history
// and backups.
func loadSecrets(log *zap.Logger) core.Secrets {
	secrets := core.Secrets{
		Admin:   os.Getenv("DUCKPOND_ADMIN_SECRET"),
		Signing: os.Getenv("DUCKPOND_SIGNING_SECRET"),
	}
	if secrets.Admin == "" {
		log.Warn("DUCKPOND_ADMIN_SECRET is not set, the admin surface is disabled")
	}
	if secrets.Signing == "" {
		secrets.Signing = secrets.Admin
	}
	if secrets.Signing == "" {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		secrets.Signing = hex.EncodeToString(buf)
		log.Warn("DUCKPOND_SIGNING_SECRET is not set, presigned urls will not survive a restart")
	}
	return secrets
}

// applicationDir returns the default configuration directory.
func applicationDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".duckpond"
	}
	return filepath.Join(dir, "duckpond")
}

// earlyFlagValue scans the arguments and environment for a flag before
// cobra parses anything, so $CONFDIR defaults bind against the
// directory the process will actually use.
func earlyFlagValue(name string) (string, bool) {
	for i, arg := range os.Args {
		if arg == "--"+name && i+1 < len(os.Args) {
			return os.Args[i+1], true
		}
		if strings.HasPrefix(arg, "--"+name+"=") {
			return strings.TrimPrefix(arg, "--"+name+"="), true
		}
	}
	env := "DUCKPOND_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if value := os.Getenv(env); value != "" {
		return value, true
	}
	return "", false
}

func main() {
	process.Exec(rootCmd)
}
