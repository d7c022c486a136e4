// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to flags using the
// `help` and `default` struct tags.
package cfgstruct

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
)

// Error is the default cfgstruct errs class.
var Error = errs.Class("cfgstruct")

// ConfDirPlaceholder is replaced with the configured directory in
// `default` tags, so file defaults can live under the config dir.
const ConfDirPlaceholder = "$CONFDIR"

// BindOpt modifies Bind behavior.
type BindOpt func(*bindOptions)

type bindOptions struct {
	confDir string
	prefix  string
}

// ConfDir sets the directory substituted for $CONFDIR in defaults.
func ConfDir(dir string) BindOpt {
	return func(opts *bindOptions) { opts.confDir = dir }
}

// Prefix prepends prefix to all flag names.
func Prefix(prefix string) BindOpt {
	return func(opts *bindOptions) { opts.prefix = prefix }
}

// Bind sets flags on the flag set bound to the fields of config, which
// must be a pointer to a struct. Nested structs produce dotted flag
// names, for example Server.Address becomes server.address.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	options := bindOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(Error.New("config must be a pointer to struct, got %T", config))
	}
	bindStruct(flags, ptr.Elem(), options.prefix, options)
}

func bindStruct(flags *pflag.FlagSet, value reflect.Value, prefix string, options bindOptions) {
	typ := value.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}

		fieldValue := value.Field(i)
		name := joinFlagName(prefix, field.Name)
		if field.Anonymous {
			// Embedded structs contribute their fields without a
			// name component.
			name = prefix
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			bindStruct(flags, fieldValue, name, options)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		def = strings.ReplaceAll(def, ConfDirPlaceholder, options.confDir)

		if !fieldValue.CanAddr() {
			panic(Error.New("field %s is not addressable", field.Name))
		}
		addr := fieldValue.Addr().Interface()

		switch target := addr.(type) {
		case *string:
			flags.StringVar(target, name, def, help)
		case *bool:
			flags.BoolVar(target, name, parseBool(name, def), help)
		case *int:
			flags.IntVar(target, name, int(parseInt(name, def)), help)
		case *int64:
			flags.Int64Var(target, name, parseInt(name, def), help)
		case *uint:
			flags.UintVar(target, name, uint(parseInt(name, def)), help)
		case *float64:
			flags.Float64Var(target, name, parseFloat(name, def), help)
		case *time.Duration:
			flags.DurationVar(target, name, parseDuration(name, def), help)
		case *[]string:
			var defaults []string
			if def != "" {
				defaults = strings.Split(def, ",")
			}
			flags.StringSliceVar(target, name, defaults, help)
		default:
			panic(Error.New("unsupported field type %v for %s", field.Type, name))
		}
	}
}

func joinFlagName(prefix, field string) string {
	name := hyphenate(field)
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// hyphenate turns CamelCase field names into lowercase dashed names,
// e.g. MaxSessions -> max-sessions. Acronym runs stay together, so
// PGWire becomes pg-wire and PublicURL becomes public-url.
func hyphenate(name string) string {
	runes := []rune(name)
	var out strings.Builder
	for i, r := range runes {
		if i > 0 && isUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && !isUpper(runes[i+1])
			if !isUpper(prev) || nextLower {
				out.WriteByte('-')
			}
		}
		out.WriteRune(r)
	}
	return strings.ToLower(out.String())
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }

func parseBool(name, def string) bool {
	if def == "" {
		return false
	}
	v, err := strconv.ParseBool(def)
	if err != nil {
		panic(Error.New("invalid bool default for %s: %q", name, def))
	}
	return v
}

func parseInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseInt(def, 10, 64)
	if err != nil {
		panic(Error.New("invalid int default for %s: %q", name, def))
	}
	return v
}

func parseFloat(name, def string) float64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseFloat(def, 64)
	if err != nil {
		panic(Error.New("invalid float default for %s: %q", name, def))
	}
	return v
}

func parseDuration(name, def string) time.Duration {
	if def == "" || def == "0" {
		return 0
	}
	v, err := time.ParseDuration(def)
	if err != nil {
		panic(Error.New("invalid duration default for %s: %q", name, def))
	}
	return v
}

// FindFlag returns the flag description for name, used in tests.
func FindFlag(flags *pflag.FlagSet, name string) (usage string, found bool) {
	flag := flags.Lookup(name)
	if flag == nil {
		return "", false
	}
	return flag.Usage, true
}
