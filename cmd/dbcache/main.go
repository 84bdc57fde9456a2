// Command dbcache inspects and manipulates dbcache store files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gitpan/dbcache"
	"github.com/gitpan/dbcache/store"
)

var (
	flagRoot      string
	flagNamespace string
	flagFile      string
	flagLayout    string
	flagVerbose   bool
)

func openCache(ctx context.Context) (*dbcache.Cache, error) {
	layout, err := store.ParseLayout(flagLayout)
	if err != nil {
		return nil, err
	}
	opts := []dbcache.Option{dbcache.WithLayout(layout)}
	if flagFile != "" {
		opts = append(opts, dbcache.WithCacheFile(flagFile))
	}
	if flagVerbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts = append(opts, dbcache.WithLogger(logger))
	}
	return dbcache.Open(ctx, flagRoot, flagNamespace, opts...)
}

func withCache(fn func(ctx context.Context, c *dbcache.Cache) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		c, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close(ctx)
		return fn(ctx, c)
	}
}

func main() {
	root := &cobra.Command{
		Use:           "dbcache",
		Short:         "Inspect and manipulate dbcache store files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagRoot, "root", ".", "cache root directory")
	root.PersistentFlags().StringVarP(&flagNamespace, "namespace", "n", "", "cache namespace (required)")
	root.PersistentFlags().StringVar(&flagFile, "file", "", "store file name (defaults to <namespace>.db)")
	root.PersistentFlags().StringVar(&flagLayout, "type", "btree", "layout when creating a new store file (btree, hash, recno)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log operations")
	root.MarkPersistentFlagRequired("namespace")

	var setTTL time.Duration
	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a string value under a key",
		Args:  cobra.ExactArgs(2),
	}
	setCmd.Flags().DurationVar(&setTTL, "ttl", 0, "time to live (0 uses the default, never expiring if unset)")
	setCmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close(ctx)
		return c.Set(ctx, args[0], args[1], setTTL)
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(1),
	}
	getCmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close(ctx)
		found, val, err := dbcache.Get[any](ctx, c, args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %q not found", args[0])
		}
		out, err := json.Marshal(val)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	delCmd := &cobra.Command{
		Use:   "del <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
	}
	delCmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close(ctx)
		return c.Remove(ctx, args[0])
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every expired entry",
		Args:  cobra.NoArgs,
		RunE: withCache(func(ctx context.Context, c *dbcache.Cache) error {
			n, err := c.Purge(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d entries\n", n)
			return nil
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every entry, expired or not",
		Args:  cobra.NoArgs,
		RunE: withCache(func(ctx context.Context, c *dbcache.Cache) error {
			n, err := c.Clear(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("cleared %d entries\n", n)
			return nil
		}),
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the entry count",
		Args:  cobra.NoArgs,
		RunE: withCache(func(ctx context.Context, c *dbcache.Cache) error {
			n, err := c.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("namespace %s: %d entries\n", c.Namespace(), n)
			return nil
		}),
	}

	root.AddCommand(setCmd, getCmd, delCmd, purgeCmd, clearCmd, statsCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
