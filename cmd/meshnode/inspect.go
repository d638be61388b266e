package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"signalmesh/internal/bloom"
	"signalmesh/internal/config"
	"signalmesh/internal/store"
	"signalmesh/internal/trust"
)

var trustCommand = &cli.Command{
	Name:  "trust",
	Usage: "inspect saved peer reputation",
	Subcommands: []*cli.Command{{
		Name:   "list",
		Usage:  "print saved scores and the blacklist",
		Action: trustList,
	}},
}

var filterCommand = &cli.Command{
	Name:  "filter",
	Usage: "work with the saved blacklist filter",
	Subcommands: []*cli.Command{{
		Name:   "export",
		Usage:  "write the saved filter (hex to stdout, raw bytes with --out)",
		Flags:  []cli.Flag{&cli.StringFlag{Name: "out", Usage: "output file"}},
		Action: filterExport,
	}},
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "configuration helpers",
	Subcommands: []*cli.Command{{
		Name:  "dump",
		Usage: "print the effective configuration as TOML",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return cfg.Dump(c.App.Writer)
		},
	}},
}

var idCommand = &cli.Command{
	Name:  "id",
	Usage: "print the persisted node id",
	Action: func(c *cli.Context) error {
		return withStore(c, func(cfg config.Config, st *store.Store) error {
			id := cfg.Node.ID
			if id == "" {
				var err error
				if id, err = st.NodeID(uuid.NewString); err != nil {
					return err
				}
			}
			fmt.Fprintln(c.App.Writer, id)
			return nil
		})
	},
}

func withStore(c *cli.Context, fn func(config.Config, *store.Store) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

func trustList(c *cli.Context) error {
	return withStore(c, func(_ config.Config, st *store.Store) error {
		snap, ok, err := st.LoadTrust()
		if err != nil {
			return err
		}
		w := c.App.Writer
		if !ok {
			fmt.Fprintln(w, "no saved trust state")
			return nil
		}
		slices.SortFunc(snap.Scores, func(a, b trust.Score) int {
			if a.Score != b.Score {
				if a.Score < b.Score {
					return -1
				}
				return 1
			}
			if a.PeerID < b.PeerID {
				return -1
			}
			if a.PeerID > b.PeerID {
				return 1
			}
			return 0
		})
		for _, sc := range snap.Scores {
			reason, bl := snap.Blacklist[sc.PeerID]
			status := "ok"
			if bl {
				status = "blacklisted (" + reason + ")"
			}
			fmt.Fprintf(w, "%-36s score=%6.1f updates=%d %s\n", sc.PeerID, sc.Score, sc.UpdateCount, status)
		}
		ids := make([]string, 0, len(snap.Blacklist))
		for p := range snap.Blacklist {
			ids = append(ids, p)
		}
		slices.Sort(ids)
		fmt.Fprintf(w, "blacklisted: %d\n", len(ids))
		for _, p := range ids {
			fmt.Fprintf(w, "  %s %s\n", p, snap.Blacklist[p])
		}
		return nil
	})
}

func filterExport(c *cli.Context) error {
	return withStore(c, func(_ config.Config, st *store.Store) error {
		snap, ok, err := st.LoadTrust()
		if err != nil {
			return err
		}
		if !ok || len(snap.Filter) == 0 {
			return fmt.Errorf("no saved filter")
		}
		f, err := bloom.Decode(snap.Filter)
		if err != nil {
			return err
		}
		if out := c.String("out"); out != "" {
			if err := os.WriteFile(out, snap.Filter, 0600); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "wrote %d bytes (m=%d k=%d) to %s\n", len(snap.Filter), f.M(), f.K(), out)
			return nil
		}
		fmt.Fprintln(c.App.Writer, hex.EncodeToString(snap.Filter))
		return nil
	})
}
