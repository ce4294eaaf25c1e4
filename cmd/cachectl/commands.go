package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hupe1980/ttlstore"
	"github.com/hupe1980/ttlstore/cacheitem"
	"github.com/hupe1980/ttlstore/codec"
)

type outputRow struct {
	Path   string     `json:"path"`
	Prefix string     `json:"prefix,omitempty"`
	Key    string     `json:"key"`
	Value  string     `json:"value"`
	Expire *time.Time `json:"expire,omitempty"`
}

func toOutput(row *cacheitem.CacheRow) outputRow {
	out := outputRow{
		Path:   row.Path(),
		Prefix: row.Prefix(),
		Key:    row.Key(),
		Value:  string(row.Value()),
	}
	if exp, ok := row.Expire(); ok {
		out.Expire = &exp
	}
	return out
}

// withStore opens the store for the duration of fn.
func withStore(fn func(*cli.Context, *ttlstore.Store) error) cli.ActionFunc {
	return func(cCtx *cli.Context) (err error) {
		st, err := openStore(cCtx)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := st.Close(); err == nil {
				err = cerr
			}
		}()
		return fn(cCtx, st)
	}
}

func checkArgs(cCtx *cli.Context, lo, hi int) error {
	if n := cCtx.NArg(); n < lo || n > hi {
		return fmt.Errorf("usage: %s %s", cCtx.Command.Name, cCtx.Command.ArgsUsage)
	}
	return nil
}

func writeJSON(w io.Writer, v any, indent bool) error {
	var (
		b   []byte
		err error
	)
	if indent {
		b, err = codec.JSON{}.MarshalIndent(v)
	} else {
		b, err = codec.JSON{}.Marshal(v)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func commandGet() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "print the value stored at a path",
		ArgsUsage: "<path>",
		Flags:     []cli.Flag{jsonFlag()},
		Action: withStore(func(cCtx *cli.Context, st *ttlstore.Store) error {
			if err := checkArgs(cCtx, 1, 1); err != nil {
				return err
			}
			row, err := st.Get(cCtx.Context, cCtx.Args().First())
			if err != nil {
				return err
			}
			if cCtx.Bool(jsonFlagName) {
				return writeJSON(cCtx.App.Writer, toOutput(row), false)
			}
			_, err = fmt.Fprintf(cCtx.App.Writer, "%s\n", row.Value())
			return err
		}),
	}
}

func commandSet() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "store a value at a path",
		ArgsUsage: "<path> [value]",
		Description: `
Stores value at path, replacing any live entry. Without a value argument
the value is read from standard input.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "expire the entry after this duration (default: never)",
			},
		},
		Action: withStore(func(cCtx *cli.Context, st *ttlstore.Store) error {
			if err := checkArgs(cCtx, 1, 2); err != nil {
				return err
			}
			var value []byte
			if cCtx.NArg() == 2 {
				value = []byte(cCtx.Args().Get(1))
			} else {
				b, err := io.ReadAll(cCtx.App.Reader)
				if err != nil {
					return err
				}
				value = b
			}
			var ttl *time.Duration
			if cCtx.IsSet("ttl") {
				d := cCtx.Duration("ttl")
				ttl = &d
			}
			return st.Set(cCtx.Context, cCtx.Args().First(), ttl, value)
		}),
	}
}

func commandDel() *cli.Command {
	return &cli.Command{
		Name:      "del",
		Usage:     "delete the entry at a path",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "do not fail when the path does not exist",
			},
		},
		Action: withStore(func(cCtx *cli.Context, st *ttlstore.Store) error {
			if err := checkArgs(cCtx, 1, 1); err != nil {
				return err
			}
			err := st.Delete(cCtx.Context, cCtx.Args().First())
			if errors.Is(err, ttlstore.ErrNotFound) && cCtx.Bool("force") {
				return nil
			}
			return err
		}),
	}
}

func commandList() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "list the live entries under a prefix",
		ArgsUsage: "[prefix]",
		Flags:     []cli.Flag{jsonFlag()},
		Action: withStore(func(cCtx *cli.Context, st *ttlstore.Store) error {
			if err := checkArgs(cCtx, 0, 1); err != nil {
				return err
			}
			rows, err := st.Keys(cCtx.Context, cCtx.Args().First())
			if err != nil {
				return err
			}
			for _, row := range rows {
				if cCtx.Bool(jsonFlagName) {
					err = writeJSON(cCtx.App.Writer, toOutput(row), false)
				} else {
					_, err = fmt.Fprintln(cCtx.App.Writer, row.Path())
				}
				if err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func commandDump() *cli.Command {
	return &cli.Command{
		Name:  "dump",
		Usage: "write every live entry as a JSON line",
		Action: withStore(func(cCtx *cli.Context, st *ttlstore.Store) error {
			for row, err := range st.All(cCtx.Context) {
				if err != nil {
					return err
				}
				if err := writeJSON(cCtx.App.Writer, toOutput(row), false); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func commandCompact() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "compact the store and drop expired entries",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "sweep",
				Usage: "delete expired entries before compacting",
			},
			&cli.BoolFlag{
				Name:  "repair",
				Usage: "remove index entries of dropped rows afterwards",
			},
		},
		Action: withStore(func(cCtx *cli.Context, st *ttlstore.Store) error {
			ctx := cCtx.Context
			w := cCtx.App.Writer
			if cCtx.Bool("sweep") {
				n, err := st.DeleteExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "swept %d expired entries\n", n)
			}

			before, err := st.Stats()
			if err != nil {
				return err
			}
			if err := st.Compact(ctx); err != nil {
				return err
			}
			after, err := st.Stats()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "compaction removed %d expired and %d malformed entries\n",
				after.Expire.Removed-before.Expire.Removed,
				after.Expire.Orphaned-before.Expire.Orphaned)

			if cCtx.Bool("repair") {
				n, err := st.RepairIndexes(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "repaired %d index entries\n", n)
			}
			return nil
		}),
	}
}

func commandStats() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print engine and expiration statistics",
		Action: withStore(func(cCtx *cli.Context, st *ttlstore.Store) error {
			stats, err := st.Stats()
			if err != nil {
				return err
			}
			return writeJSON(cCtx.App.Writer, stats, true)
		}),
	}
}

func commandDumpConfig() *cli.Command {
	return &cli.Command{
		Name:  "dumpconfig",
		Usage: "print the effective configuration as TOML",
		Action: func(cCtx *cli.Context) error {
			cfg, err := loadConfig(cCtx)
			if err != nil {
				return err
			}
			out, err := tomlSettings.Marshal(&cfg)
			if err != nil {
				return err
			}
			_, err = cCtx.App.Writer.Write(out)
			return err
		},
	}
}
