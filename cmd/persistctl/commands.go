package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"gopersist/changefeed"
	"gopersist/changefeed/natsjetstream"
	"gopersist/changefeed/redisstreams"
	"gopersist/errors"
	"gopersist/logging"
	"gopersist/persistence"
)

// NewSchemaSyncCommand 创建 schema-sync 命令
func NewSchemaSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema-sync",
		Short: "Create missing tables, columns, junction tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer ws.Close()

			schema := ws.registry.Schema()
			fmt.Fprintf(cmd.OutOrStdout(), "synchronized %d entity types and %d junction tables\n",
				len(schema.Types), len(schema.Junctions))
			return nil
		},
	}
}

// DumpOptions dump 命令参数
type DumpOptions struct {
	Out   string
	Types []string
}

// NewDumpCommand 创建 dump 命令
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{}
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Export entities as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer ws.Close()

			types := make([]*persistence.EntityType, 0, len(opts.Types))
			for _, name := range opts.Types {
				t, ok := ws.registry.Type(name)
				if !ok {
					return errors.NewValidationError("unknown entity type %q", name)
				}
				types = append(types, t)
			}
			raw, err := ws.session.DumpToJSON(cmd.Context(), nil, types...)
			if err != nil {
				return err
			}
			if opts.Out == "" || opts.Out == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return err
			}
			return os.WriteFile(opts.Out, raw, 0o644)
		},
	}
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "entity types to export (default all)")
	return cmd
}

// LoadOptions load 命令参数
type LoadOptions struct {
	In                string
	RedisAddr         string
	RedisStreamPrefix string
	NatsURL           string
	NatsStream        string
}

// NewLoadCommand 创建 load 命令；可选把导入产生的变更发布到 Redis Streams 或 NATS JetStream
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{}
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Import a JSON export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, opts.In)
			if err != nil {
				return err
			}
			ws, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer ws.Close()

			publishers, err := opts.publishers()
			if err != nil {
				return err
			}
			for _, p := range publishers {
				defer p.Close()
				changefeed.NewFeed(p, changefeed.WithSource("persistctl")).Install(ws.session)
			}

			if err := ws.session.LoadFromJSON(cmd.Context(), nil, raw); err != nil {
				return err
			}
			logging.GetLogger().Info(cmd.Context(), "导入完成", logging.Int("publishers", len(publishers)))
			fmt.Fprintln(cmd.OutOrStdout(), "loaded")
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.In, "in", "i", "-", "input file (default stdin)")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "", "publish changes to Redis Streams at this address")
	cmd.Flags().StringVar(&opts.RedisStreamPrefix, "redis-stream-prefix", "", "Redis stream name prefix")
	cmd.Flags().StringVar(&opts.NatsURL, "nats-url", "", "publish changes to NATS JetStream at this URL")
	cmd.Flags().StringVar(&opts.NatsStream, "nats-stream", "", "JetStream stream name")
	return cmd
}

func (o *LoadOptions) publishers() ([]changefeed.Publisher, error) {
	var out []changefeed.Publisher
	if o.RedisAddr != "" {
		p, err := redisstreams.NewPublisher(redisstreams.Config{Addr: o.RedisAddr, StreamPrefix: o.RedisStreamPrefix})
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if o.NatsURL != "" {
		p, err := natsjetstream.NewPublisher(natsjetstream.Config{URL: o.NatsURL, Stream: o.NatsStream})
		if err != nil {
			for _, opened := range out {
				_ = opened.Close()
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "read "+path)
	}
	return data, nil
}
