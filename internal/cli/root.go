// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the vgi-flight command line: listing, describing,
// fetching and exporting datasets from an Arrow Flight server.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/Query-farm/vgi-flight/vgiflight"
	flightotel "github.com/Query-farm/vgi-flight/vgiflight/otel"
)

const envPrefix = "VGI_FLIGHT"

// globalOptions are the connection settings shared by every subcommand.
type globalOptions struct {
	Location       string
	LogLevel       string
	MaxRecvMsgSize int
	Trace          bool

	stderr io.Writer
}

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globalOptions{stderr: stderr}
	rc := &cobra.Command{
		Use:   "vgi-flight",
		Short: "Browse and fetch datasets from an Arrow Flight server.",
		Long: `vgi-flight talks to an Arrow Flight server: it lists the datasets the
server offers, describes their schema and endpoints, and streams their
record batches, optionally exporting them as JSON Lines or Parquet to a
local file or S3.

Every flag can also be set through an environment variable named
VGI_FLIGHT_<FLAG> (dashes become underscores) or a TOML file given
with --config. Flags take precedence over the environment, which takes
precedence over the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := setAllConfig(v, cmd.Flags()); err != nil {
				return err
			}
			ret, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("problem getting dry-run flag: %v", err)
			}
			if ret && cmd.Parent() != nil {
				return errDryRun
			}
			return nil
		},
	}
	flags := rc.PersistentFlags()
	flags.Bool("dry-run", false, "stop before executing")
	_ = flags.MarkHidden("dry-run")
	flags.StringP("config", "c", "", "Configuration file to read from.")
	flags.StringVarP(&g.Location, "location", "l", "grpc://localhost:8815", "Flight server location (grpc://, grpc+tcp:// or grpc+tls://).")
	flags.StringVar(&g.LogLevel, "log-level", "warn", "Log level: debug, info, warn or error.")
	flags.IntVar(&g.MaxRecvMsgSize, "max-recv-msg-size", 64<<20, "Largest gRPC message accepted from the server, in bytes.")
	flags.BoolVar(&g.Trace, "trace", false, "Write OpenTelemetry spans and metrics to stderr.")

	rc.AddCommand(newListCommand(g, stdout))
	rc.AddCommand(newInfoCommand(g, stdout))
	rc.AddCommand(newGetCommand(g, stdout))
	rc.AddCommand(newDropCommand(g, stdout))
	rc.AddCommand(newActionsCommand(g, stdout))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

var errDryRun = errors.New("dry run")

// setAllConfig takes a FlagSet to be the definition of all configuration
// options, as well as their defaults. It then reads from the command line, the
// environment, and a config file (if specified), and applies the configuration
// in that priority order.
//
// Environment variables are capitalized versions of the flag names with
// dashes replaced by underscores, prefixed with VGI_FLIGHT_.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		flagErr = f.Value.Set(value)
	})
	return flagErr
}

// session is a connected client plus whatever telemetry it carries.
type session struct {
	client    *vgiflight.Client
	logger    *slog.Logger
	telemetry *telemetry
}

func (g *globalOptions) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", g.LogLevel, err)
	}
	return slog.New(slog.NewTextHandler(g.stderr, &slog.HandlerOptions{Level: level})), nil
}

func (g *globalOptions) connect() (*session, error) {
	logger, err := g.logger()
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(g.MaxRecvMsgSize))}

	s := &session{logger: logger}
	if g.Trace {
		s.telemetry, err = newTelemetry(g.stderr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, flightotel.DialOption(s.telemetry.config))
	}

	client, err := vgiflight.Dial(g.Location, opts...)
	if err != nil {
		s.shutdownTelemetry()
		return nil, err
	}
	client.SetLogger(logger)
	client.SetLocationDialer(vgiflight.GRPCLocationDialer(opts...))
	if s.telemetry != nil {
		flightotel.InstrumentClient(client, s.telemetry.config)
	}
	s.client = client
	logger.Debug("cli: connected", "location", g.Location)
	return s, nil
}

func (s *session) shutdownTelemetry() {
	if s.telemetry == nil {
		return
	}
	if err := s.telemetry.shutdown(context.Background()); err != nil {
		s.logger.Warn("cli: telemetry shutdown", "err", err)
	}
}

func (s *session) Close() error {
	err := s.client.Close()
	s.shutdownTelemetry()
	return err
}

// withSession connects, runs fn and disconnects.
func (g *globalOptions) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	s, err := g.connect()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(cmd.Context(), s)
}
