package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"chronicle/governance/internal/app"
	"chronicle/governance/internal/config"
	"chronicle/governance/internal/store"
)

var (
	seedFile   string
	downSteps  int
	tokenUser  string
	tokenName  string
	tokenRole  string
	tokenRoles []string

	rootCmd = &cobra.Command{
		Use:          "governance",
		Short:        "Proposal evaluation workflow API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.Load())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.Load())
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg)
			ctx := context.Background()
			if cmd.Flags().Changed("down") {
				db, err := openDatabase(ctx, cfg, false)
				if err != nil {
					return err
				}
				defer db.Close()
				reverted, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, downSteps)
				if err != nil {
					return err
				}
				logger.Info("migrations reverted", "dir", cfg.MigrationsDir, "versions", reverted)
				return nil
			}
			db, err := openDatabase(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := store.AppliedMigrations(ctx, db)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "dir", cfg.MigrationsDir, "versions", len(applied))
			return nil
		},
	}

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Create workflow templates from a YAML seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			path := seedFile
			if path == "" {
				path = cfg.SeedFile
			}
			if path == "" {
				return fmt.Errorf("a seed file is required (--file or GOVERNANCE_SEED_FILE)")
			}
			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer rt.Close()
			return seedFromFile(ctx, rt, path)
		},
	}

	reindexCmd = &cobra.Command{
		Use:   "reindex",
		Short: "Push proposals to the Meilisearch index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer rt.Close()
			count, err := rt.search.ReindexAll(ctx, rt.repo)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d proposals\n", count)
			return nil
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			service := app.NewService(cfg, nil, nil, nil, newLogger(cfg))
			name := tokenName
			if name == "" {
				name = tokenUser
			}
			token, err := service.IssueSession(tokenUser, name, tokenRole, tokenRoles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
)

func init() {
	migrateCmd.Flags().IntVar(&downSteps, "down", 1, "revert this many applied migrations instead of migrating up (0 reverts all)")

	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "path to the workflow seed YAML file")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id placed in the sub claim")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name (defaults to the user id)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "member", "workspace role: viewer, member, reviewer or admin")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "roles", nil, "reviewer roles the user may act through")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd, reindexCmd, tokenCmd)
}
