package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/hupe1980/ttlstore"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

type storeConfig struct {
	Dir                 string
	Compression         string
	MemTableSize        int64
	BlockCacheSize      int64
	CompactionThreshold int
	SyncWrites          bool
}

// remoteConfig selects where sorted tables live. An empty Kind keeps them
// next to the log in Dir.
type remoteConfig struct {
	Kind      string // "s3" or "minio"
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	// LockTable is a DynamoDB table serializing manifest commits on s3.
	LockTable  string
	CacheBytes int64
}

type logConfig struct {
	Level  string
	Format string // "text" or "json"
}

type cachectlConfig struct {
	Store  storeConfig
	Remote remoteConfig
	Log    logConfig
}

func defaultConfig() cachectlConfig {
	return cachectlConfig{
		Store: storeConfig{
			Compression: "lz4",
			SyncWrites:  true,
		},
		Log: logConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

func loadConfigFile(file string, cfg *cachectlConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// loadConfig layers defaults, the TOML file and explicitly set flags, in
// that order.
func loadConfig(cCtx *cli.Context) (cachectlConfig, error) {
	cfg := defaultConfig()
	if file := cCtx.String(configFlagName); file != "" {
		if err := loadConfigFile(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if cCtx.IsSet(dirFlagName) {
		cfg.Store.Dir = cCtx.String(dirFlagName)
	}
	if cCtx.IsSet(compressionFlagName) {
		cfg.Store.Compression = cCtx.String(compressionFlagName)
	}
	if cCtx.IsSet(logLevelFlagName) {
		cfg.Log.Level = cCtx.String(logLevelFlagName)
	}
	if cCtx.IsSet(noSyncFlagName) {
		cfg.Store.SyncWrites = !cCtx.Bool(noSyncFlagName)
	}
	return cfg, nil
}

func newLogger(lc logConfig, w io.Writer) (*ttlstore.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch lc.Format {
	case "", "text":
		return ttlstore.NewLogger(slog.NewTextHandler(w, opts)), nil
	case "json":
		return ttlstore.NewLogger(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
}

func openStore(cCtx *cli.Context) (*ttlstore.Store, error) {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Dir == "" {
		return nil, fmt.Errorf("no data directory: set --%s, $%s or Store.Dir", dirFlagName, envDir)
	}
	logger, err := newLogger(cfg.Log, cCtx.App.ErrWriter)
	if err != nil {
		return nil, err
	}

	opts := []ttlstore.Option{
		ttlstore.WithLogger(logger),
		ttlstore.WithCompression(cfg.Store.Compression),
		ttlstore.WithSyncWrites(cfg.Store.SyncWrites),
	}
	if cfg.Store.MemTableSize > 0 {
		opts = append(opts, ttlstore.WithMemTableSize(cfg.Store.MemTableSize))
	}
	if cfg.Store.BlockCacheSize > 0 {
		opts = append(opts, ttlstore.WithBlockCacheSize(cfg.Store.BlockCacheSize))
	}
	if cfg.Store.CompactionThreshold > 0 {
		opts = append(opts, ttlstore.WithCompactionThreshold(cfg.Store.CompactionThreshold))
	}

	data, manifest, err := openRemote(cCtx.Context, cfg.Remote)
	if err != nil {
		return nil, err
	}
	if data != nil {
		opts = append(opts, ttlstore.WithRemoteStore(data, cfg.Remote.CacheBytes))
	}
	if manifest != nil {
		opts = append(opts, ttlstore.WithManifestStore(manifest))
	}
	return ttlstore.Open(cCtx.Context, cfg.Store.Dir, opts...)
}
