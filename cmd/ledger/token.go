package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"heritrust/internal/config"
	"heritrust/pkg/auth"
	"heritrust/pkg/rbac"
)

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <principal>",
		Short: "Mint a bearer token for a principal (local testing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envName, configDir)
			if err != nil {
				return err
			}

			tokens := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
			token, err := tokens.Generate(rbac.Principal(args[0]))
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
