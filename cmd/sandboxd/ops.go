package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/reeloly/sandboxd/internal/common/errors"
)

var (
	opUser    string
	opProject string
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Bring one project's environment to a serving state",
	Long: `Run EnsureWarm once for a project and print the resulting status as JSON.

Exits non-zero when the warm-up fails. A status with code "initializing" means
another caller holds the initialization lease.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		a, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		status, warmErr := a.service.EnsureWarm(cmd.Context(), opUser, opProject)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			return err
		}
		if warmErr != nil {
			return fmt.Errorf("warm-up failed: %w", warmErr)
		}
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Remove one project's environment",
	Long:  `Remove the project's environment. Durable snapshots are kept, so the next warm-up restores it.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		a, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		err = a.service.Destroy(cmd.Context(), opUser, opProject)
		if apperrors.IsNotFound(err) {
			fmt.Fprintf(cmd.OutOrStdout(), "no environment for %s/%s\n", opUser, opProject)
			return nil
		}
		if err != nil {
			return fmt.Errorf("destroy failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "destroyed environment for %s/%s\n", opUser, opProject)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{warmCmd, destroyCmd} {
		c.Flags().StringVar(&opUser, "user", "", "User id")
		c.Flags().StringVar(&opProject, "project", "", "Project id")
		_ = c.MarkFlagRequired("user")
		_ = c.MarkFlagRequired("project")
		rootCmd.AddCommand(c)
	}
}
