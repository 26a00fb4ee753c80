package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/inkwell/internal/config"
	"github.com/MarcoPoloResearchLab/inkwell/internal/quests"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newBackfillCommand() *cobra.Command {
	var (
		dryRun bool
		userID string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Create or advance permanent quest state for existing users",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper(), false)
			if err != nil {
				return err
			}
			app, err := openApplication(appConfig, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.quests.RunBackfill(cmd.Context(), quests.BackfillOptions{
				DryRun:      dryRun,
				LimitUserID: userID,
				Workers:     appConfig.BackfillWorkers,
			})
			if err != nil {
				return err
			}
			for _, failure := range report.Failures {
				app.logger.Warn("backfill user failed", zap.String("user_id", failure.UserID), zap.Error(failure.Err))
			}
			app.logger.Info("backfill finished",
				zap.Bool("dry_run", report.DryRun),
				zap.Int("users", report.Users),
				zap.Int("created", report.Created),
				zap.Int("updated", report.Updated),
				zap.Int("skipped", report.Skipped),
				zap.Int("failed", report.Failed),
			)
			if report.Failed > 0 {
				return fmt.Errorf("backfill failed for %d users", report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report intended changes without writing")
	cmd.Flags().StringVar(&userID, "user-id", "", "Limit the run to one user")
	return cmd
}

func newImportLegacyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy",
		Short: "Convert legacy achievement tables into templates and quest state",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper(), false)
			if err != nil {
				return err
			}
			app, err := openApplication(appConfig, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.quests.RunLegacyImport(cmd.Context())
			if err != nil {
				return err
			}
			for _, failure := range report.Failures {
				app.logger.Warn("legacy definition failed", zap.String("achievement_key", failure.Key), zap.Error(failure.Err))
			}
			app.logger.Info("legacy import finished",
				zap.String("status", string(report.Status)),
				zap.Int("definitions", report.Definitions),
				zap.Int("templates_created", report.TemplatesCreated),
				zap.Int("templates_updated", report.TemplatesUpdated),
				zap.Int("links_created", report.LinksCreated),
				zap.Int("states_created", report.StatesCreated),
				zap.Int("states_updated", report.StatesUpdated),
				zap.Int("failed", report.Failed),
			)
			if report.Failed > 0 {
				return fmt.Errorf("legacy import failed for %d definitions", report.Failed)
			}
			return nil
		},
	}
}
