package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/inittree/pkg/stores"
)

func newCacheCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear stored construction orders",
	}

	cmd.AddCommand(newCacheShowCommand(root))
	cmd.AddCommand(newCacheClearCommand(root))

	return cmd
}

func newCacheShowCommand(root *rootOptions) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one stored cache, or list them all",
		Example: `  # List every stored cache
  inittree cache show

  # Show the steps of one cache
  inittree cache show --cache-key web`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheShow(cmd.Context(), cmd.OutOrStdout(), root, key)
		},
	}

	cmd.Flags().StringVar(&key, "cache-key", "", "cache key")

	return cmd
}

func runCacheShow(ctx context.Context, out io.Writer, root *rootOptions, key string) error {
	store, err := openStore(ctx, root.storePath, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()
	caches, err := cacheStore(root, store)
	if err != nil {
		return err
	}

	if key == "" {
		recs, err := caches.ListCaches(ctx)
		if err != nil {
			return err
		}
		if root.jsonOutput {
			return writeJSON(out, recs)
		}
		for _, rec := range recs {
			printCacheRecord(out, rec, false)
		}
		return nil
	}

	rec, err := caches.GetCache(ctx, key)
	if err != nil {
		return err
	}
	if root.jsonOutput {
		return writeJSON(out, rec)
	}
	printCacheRecord(out, rec, true)
	return nil
}

func printCacheRecord(w io.Writer, rec *stores.CacheRecord, steps bool) {
	usable := "usable"
	if !rec.Cache.Usable() {
		usable = "unusable"
	}
	fmt.Fprintf(w, "%-24s v%d %-8s %4d steps  %s  updated %s\n",
		rec.Key, rec.Cache.Version(), usable, rec.Cache.Len(), shortFingerprint(rec.Fingerprint), humanize.Time(rec.UpdatedAt))
	if steps {
		fmt.Fprintf(w, "steps: %v\n", rec.Cache.Steps())
	}
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func newCacheClearCommand(root *rootOptions) *cobra.Command {
	var (
		key string
		all bool
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete stored caches",
		Example: `  # Forget the order of one manifest
  inittree cache clear --cache-key web

  # Forget every stored order
  inittree cache clear --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" && !all {
				return fmt.Errorf("either --cache-key or --all is required")
			}
			return runCacheClear(cmd.Context(), cmd.OutOrStdout(), root, key, all)
		},
	}

	cmd.Flags().StringVar(&key, "cache-key", "", "cache key")
	cmd.Flags().BoolVar(&all, "all", false, "delete every stored cache")

	return cmd
}

func runCacheClear(ctx context.Context, out io.Writer, root *rootOptions, key string, all bool) error {
	store, err := openStore(ctx, root.storePath, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()
	caches, err := cacheStore(root, store)
	if err != nil {
		return err
	}

	keys := []string{key}
	if all {
		recs, err := caches.ListCaches(ctx)
		if err != nil {
			return err
		}
		keys = keys[:0]
		for _, rec := range recs {
			keys = append(keys, rec.Key)
		}
	}

	for _, k := range keys {
		if err := caches.DeleteCache(ctx, k); err != nil {
			return err
		}
		log.Info().Str("cache_key", k).Msg("Cache deleted")
	}
	fmt.Fprintf(out, "deleted %d cache(s)\n", len(keys))
	return nil
}
