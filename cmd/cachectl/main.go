// Command cachectl inspects and maintains a ttlstore cache directory.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Set via linker flags.
var version = "dev"

const (
	configFlagName      = "config"
	dirFlagName         = "dir"
	compressionFlagName = "compression"
	logLevelFlagName    = "log.level"
	noSyncFlagName      = "nosync"
	jsonFlagName        = "json"

	envDir = "CACHECTL_DIR"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:      configFlagName,
			Usage:     "TOML configuration file",
			EnvVars:   []string{"CACHECTL_CONFIG"},
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:    dirFlagName,
			Aliases: []string{"d"},
			Usage:   "data directory of the store",
			EnvVars: []string{envDir},
		},
		&cli.StringFlag{
			Name:    compressionFlagName,
			Usage:   "block compression for new tables (none, snappy, lz4, zstd)",
			EnvVars: []string{"CACHECTL_COMPRESSION"},
		},
		&cli.StringFlag{
			Name:    logLevelFlagName,
			Usage:   "log level (debug, info, warn, error)",
			EnvVars: []string{"CACHECTL_LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:  noSyncFlagName,
			Usage: "do not fsync the write-ahead log on every write",
		},
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  jsonFlagName,
		Usage: "output JSON instead of human-readable format",
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "cachectl"
	app.Usage = "inspect and maintain a ttlstore cache"
	app.Version = version
	app.Flags = globalFlags()
	app.Commands = []*cli.Command{
		commandGet(),
		commandSet(),
		commandDel(),
		commandList(),
		commandDump(),
		commandCompact(),
		commandStats(),
		commandDumpConfig(),
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
