package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	core "gopersist/data/db"
	"gopersist/data/db/basic"
	"gopersist/errors"
	"gopersist/logging"
	"gopersist/persistence"
	"gopersist/schemafile"
	"gopersist/store/sqlstore"
)

// RootOptions 全局参数
type RootOptions struct {
	Driver   string
	DSN      string
	Schema   string
	Config   string
	LogLevel string
}

// NewRootCommand 创建根命令
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "persistctl",
		Short: "Schema sync, dump and load for gopersist SQL stores",
		Long: `persistctl reads a YAML schema file and operates on a SQL database through
the gopersist SQL store: create missing tables, export every entity as JSON,
or import a previous export.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Schema == "" {
				return errors.NewValidationError("--schema is required")
			}
			logger := logging.NewStdLogger("[persistctl] ").WithLevel(logging.ParseLevel(opts.LogLevel))
			logging.SetLogger(logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "sqlite", "database driver (sqlite|pgx)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "database connection string")
	cmd.PersistentFlags().StringVar(&opts.Schema, "schema", "", "YAML schema file")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "YAML database config file (flags override it)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewSchemaSyncCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))
	return cmd
}

// dbConfig 合并配置文件与命令行参数
func (o *RootOptions) dbConfig(cmd *cobra.Command) (core.DBConfig, error) {
	var cfg core.DBConfig
	if o.Config != "" {
		data, err := os.ReadFile(o.Config)
		if err != nil {
			return cfg, errors.WrapError(err, errors.ErrCodeInvalidInput, "read config "+o.Config)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.WrapError(err, errors.ErrCodeValidation, "parse config "+o.Config)
		}
	}
	flags := cmd.Flags()
	if cfg.Driver == "" || flags.Changed("driver") {
		cfg.Driver = o.Driver
	}
	if o.DSN != "" {
		cfg.DSN = o.DSN
	}
	if cfg.DSN == "" && cfg.Database == "" {
		return cfg, errors.NewValidationError("--dsn is required")
	}
	// sqlite 单连接，避免事务与并行读互相锁库
	if cfg.Driver == "sqlite" && cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	return cfg, nil
}

// workspace 一次命令使用的数据库与会话
type workspace struct {
	db       *basic.DB
	registry *persistence.Registry
	session  *persistence.Session
}

func (w *workspace) Close() error {
	return w.db.Close()
}

// open 加载模式、连接数据库并同步模式
func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*workspace, error) {
	cfg, err := o.dbConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := logging.GetLogger()

	registry := persistence.NewRegistry(persistence.WithRegistryLogger(logger))
	if err := schemafile.LoadFile(registry, o.Schema); err != nil {
		return nil, err
	}

	db, err := basic.New(cfg)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "open database")
	}
	store := sqlstore.New(db, sqlstore.WithLogger(logging.Component("store.sql")))
	session := persistence.NewSession(registry, store, persistence.WithLogger(logging.Component("session")))
	if err := session.SchemaSync(ctx, nil); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &workspace{db: db, registry: registry, session: session}, nil
}
