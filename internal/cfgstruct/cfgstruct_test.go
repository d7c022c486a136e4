// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package cfgstruct

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Address  string        `help:"server address" default:"127.0.0.1:8080"`
	Debug    bool          `help:"enable debug" default:"false"`
	Workers  int           `help:"worker count" default:"4"`
	Interval time.Duration `help:"loop interval" default:"5m"`
	Inner    struct {
		MaxSessions int    `help:"max sessions" default:"10"`
		DataDir     string `help:"data directory" default:"$CONFDIR/data"`
	}
}

func TestBind(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)

	var cfg testConfig
	Bind(flags, &cfg, ConfDir("/tmp/conf"))

	require.NoError(t, flags.Parse(nil))
	require.Equal(t, "127.0.0.1:8080", cfg.Address)
	require.False(t, cfg.Debug)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 5*time.Minute, cfg.Interval)
	require.Equal(t, 10, cfg.Inner.MaxSessions)
	require.Equal(t, "/tmp/conf/data", cfg.Inner.DataDir)

	usage, found := FindFlag(flags, "inner.max-sessions")
	require.True(t, found)
	require.Equal(t, "max sessions", usage)
}

func TestBind_Override(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)

	var cfg testConfig
	Bind(flags, &cfg)

	require.NoError(t, flags.Parse([]string{
		"--address", "0.0.0.0:9000",
		"--inner.max-sessions", "25",
	}))
	require.Equal(t, "0.0.0.0:9000", cfg.Address)
	require.Equal(t, 25, cfg.Inner.MaxSessions)
}

func TestBind_Embedded(t *testing.T) {
	type Base struct {
		PGWire struct {
			Address string `help:"wire listen address" default:":5439"`
		}
		PublicURL string `help:"public base url" default:""`
	}
	type flagsConfig struct {
		Base

		DataDir string `help:"data directory" default:"$CONFDIR/data"`
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)

	var cfg flagsConfig
	Bind(flags, &cfg, ConfDir("/srv/duckpond"))

	require.NoError(t, flags.Parse(nil))
	require.Equal(t, ":5439", cfg.PGWire.Address)
	require.Equal(t, "/srv/duckpond/data", cfg.DataDir)

	// Embedded fields bind without a prefix, acronym runs stay joined.
	_, found := FindFlag(flags, "pg-wire.address")
	require.True(t, found)
	_, found = FindFlag(flags, "public-url")
	require.True(t, found)
	_, found = FindFlag(flags, "base.pg-wire.address")
	require.False(t, found)
}

func TestHyphenate(t *testing.T) {
	for name, want := range map[string]string{
		"Address":           "address",
		"MaxSessions":       "max-sessions",
		"PGWire":            "pg-wire",
		"API":               "api",
		"PublicURL":         "public-url",
		"MemoryLimitMB":     "memory-limit-mb",
		"DefaultTTL":        "default-ttl",
		"S3":                "s3",
		"IdempotencyWindow": "idempotency-window",
	} {
		require.Equal(t, want, hyphenate(name), name)
	}
}
