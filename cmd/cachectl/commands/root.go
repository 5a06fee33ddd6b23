package commands

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"configurator/internal/gateway/config"
	"configurator/internal/gateway/repository/blob"
)

var blobDir string

// openStore opens the blob store cachectl works on. The returned func
// releases it.
func openStore(_ context.Context) (blob.Store, func(), error) {
	if blobDir != "" {
		return blob.NewDiskStore(blobDir), func() {}, nil
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Artifact.CanUseS3() {
		s, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
	if cfg.DatabaseURL != "" {
		db, err := blob.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		return blob.NewPostgresStore(db), func() { _ = db.Close() }, nil
	}
	if cfg.BlobDir != "" {
		return blob.NewDiskStore(cfg.BlobDir), func() {}, nil
	}
	return nil, nil, fmt.Errorf("no blob store configured: pass --dir or set ARTIFACT_S3_*, DATABASE_URL or BLOB_DIR")
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// NewRootCmd builds the cachectl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cachectl",
		Short: "Inspect and maintain the configurator artifact cache",
		Long: `cachectl works directly on the blob store behind the configurator gateway.

The store is chosen like the gateway chooses it: S3 when ARTIFACT_S3_* is
complete, then postgres from DATABASE_URL, then a directory from BLOB_DIR.
--dir overrides all of them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&blobDir, "dir", "", "Use a blob directory instead of the configured store")
	root.AddCommand(newHashCmd(), newMasksCmd(), newListCmd(), newPurgeCmd(), newSweepCmd())
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}
