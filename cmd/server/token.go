package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentfi/npcsched/internal/auth"
	"github.com/agentfi/npcsched/pkg/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the control API",
	Long: `Issue a bearer token signed with the configured secret.

Viewers may read schedules and events; operators may also start routines.

Examples:
  npcsched token --subject dashboard
  npcsched token --subject alice --role operator`,
	Args: cobra.NoArgs,
	RunE: issueToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("subject", "", "token subject (required)")
	tokenCmd.Flags().String("role", auth.RoleViewer, "viewer or operator")
	_ = tokenCmd.MarkFlagRequired("subject")
}

func issueToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	subject, _ := cmd.Flags().GetString("subject")
	role, _ := cmd.Flags().GetString("role")

	token, err := auth.NewService(cfg.Auth.JWTSecret).WithTTL(cfg.Auth.TokenTTL).IssueToken(subject, role)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
