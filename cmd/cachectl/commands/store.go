package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"configurator/internal/artifactcache"
	"configurator/internal/gateway/repository/blob"
	"configurator/internal/janitor"
	"configurator/internal/naming"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list PROJECT",
		Short: "List the cache keys of a project and whether they are committed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := args[0]
			if err := naming.ValidateProjectName(project); err != nil {
				return err
			}
			store, done, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			names, err := store.List(cmd.Context(), naming.CacheFolder+"-"+project+"-")
			if err != nil {
				return err
			}
			type keyInfo struct {
				blobs     int
				committed bool
			}
			keys := map[string]*keyInfo{}
			for _, name := range names {
				key, suffix, ok := naming.SplitCacheName(project, name)
				if !ok {
					continue
				}
				info := keys[key]
				if info == nil {
					info = &keyInfo{}
					keys[key] = info
				}
				info.blobs++
				if suffix == naming.Manifest {
					info.committed = true
				}
			}
			sorted := make([]string, 0, len(keys))
			for k := range keys {
				sorted = append(sorted, k)
			}
			sort.Strings(sorted)
			out := cmd.OutOrStdout()
			for _, k := range sorted {
				state := "partial"
				if keys[k].committed {
					state = "ready"
				}
				fmt.Fprintf(out, "%s\t%s\t%d\n", k, state, keys[k].blobs)
			}
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge PROJECT...",
		Short: "Delete projects together with every cached artifact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, project := range args {
				if err := naming.ValidateProjectName(project); err != nil {
					return err
				}
			}
			store, done, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			for _, project := range args {
				err := store.Delete(cmd.Context(), naming.ProjectObjectName(project))
				if err != nil && !errors.Is(err, blob.ErrNotFound) {
					return err
				}
				removed, err := blob.DeleteByPrefix(cmd.Context(), store, naming.ProjectMasks(project)...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d blobs removed\n", project, len(removed))
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove cache blobs that were never committed",
		Long: `Removes every cache group without a manifest. Run it only while no gateway
is producing into the same store: markers held in another process are not
visible here unless redis is shared.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			cache, err := artifactcache.New(store, nil, artifactcache.DefaultConfig(), quietLogger())
			if err != nil {
				return err
			}
			report, err := janitor.New(store, cache, quietLogger()).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d groups, %d orphaned\n", report.Groups, report.Orphans)
			if len(report.Removed) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(report.Removed, "\n"))
			}
			return nil
		},
	}
}
