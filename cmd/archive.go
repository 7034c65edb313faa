package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hexpair/foolvault/internal/archive"
)

// newArchiveCmd creates and configures the 'archive' subcommand, which runs
// one bounded window end to end.
func newArchiveCmd() *cobra.Command {
	var latestOverride int64
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Fetch and commit the next archive window",
		Long: `Runs one archiving pass: discovers the newest post number on the
primary mirror, computes the next bounded window past the checkpoint, settles
every number in it across the mirror chain, and commits one chunk file plus
the advanced checkpoint.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runArchive(cmd, latestOverride)
		},
	}
	cmd.Flags().Int64Var(&latestOverride, "latest", 0, "skip index discovery and target this post number")
	return cmd
}

func runArchive(cmd *cobra.Command, latestOverride int64) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	log := appInstance.Logger

	var latest archive.LatestFunc
	if latestOverride > 0 {
		latest = func(context.Context) (int64, error) { return latestOverride, nil }
	}

	b, err := appInstance.NewBuilder(latest)
	if err != nil {
		return fmt.Errorf("assemble builder: %w", err)
	}

	res, err := b.Run(cmd.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("run interrupted; checkpoint unchanged")
			return nil
		}
		return fmt.Errorf("archive run: %w", err)
	}
	if res.NoWork {
		log.Info("nothing to archive")
		return nil
	}
	log.Info("window committed",
		zap.Int64("start", res.Window.Start),
		zap.Int64("end", res.Window.End),
		zap.String("chunk", res.ChunkPath),
		zap.Int("emitted", res.Emitted),
		zap.Int("carried", res.Carried))
	return nil
}
