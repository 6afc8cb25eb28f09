// Command content-drop is an expiring, content-addressed file store.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/wolfeidau/content-drop/server"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Config  kong.ConfigFlag  `help:"Load flags from a JSON config file." short:"c"`
	Version kong.VersionFlag `help:"Print the version and exit."`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"CONTENT_DROP_LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"CONTENT_DROP_LOG_FORMAT"`

	DataDir         string        `help:"Directory holding blobs and embedded databases." default:"./data" type:"path" env:"CONTENT_DROP_DATA_DIR"`
	MetadataStore   string        `help:"Metadata store." default:"bolt" enum:"bolt,postgres" env:"CONTENT_DROP_METADATA_STORE"`
	PostgresDSN     string        `help:"Postgres connection string for the postgres metadata store." env:"CONTENT_DROP_POSTGRES_DSN"`
	LookupCacheSize int           `help:"Hash lookups kept in memory (0 disables)." default:"10000" env:"CONTENT_DROP_LOOKUP_CACHE_SIZE"`
	LookupCacheTTL  time.Duration `help:"How long a cached lookup is served." default:"5m" env:"CONTENT_DROP_LOOKUP_CACHE_TTL"`

	logger *slog.Logger
}

// serverConfig maps the global flags onto the server configuration.
func (g *Globals) serverConfig() server.Config {
	return server.Config{
		DataDir:         g.DataDir,
		MetadataStore:   g.MetadataStore,
		PostgresDSN:     g.PostgresDSN,
		LookupCacheSize: g.LookupCacheSize,
		LookupCacheTTL:  g.LookupCacheTTL,
		Logger:          g.logger,
	}
}

type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" help:"Run the HTTP server with the sweeper, audit and report jobs."`
	Ingest IngestCmd `cmd:"" help:"Store a local file."`
	Lookup LookupCmd `cmd:"" help:"Show the record stored for a hash."`
	Sweep  SweepCmd  `cmd:"" help:"Run one eviction sweep cycle."`
	Audit  AuditCmd  `cmd:"" help:"Run the full-scan audit once."`
	Stats  StatsCmd  `cmd:"" help:"Show store statistics."`
}

func main() {
	// A missing .env file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("content-drop"),
		kong.Description("An expiring, content-addressed file store."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "/etc/content-drop/config.json", "~/.config/content-drop/config.json"),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	ctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger

	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
