package main

import (
	"fmt"

	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/services/store/internal/repository"
	"github.com/diagnosis/pixelvault/services/store/internal/service"
	"github.com/spf13/cobra"
)

func purgeTokensCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-tokens",
		Short: "Delete expired verification tokens and rate-limit rows once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			tokens := service.NewTokenService(repository.NewVerifyRepository(pool), repository.NewUserRepository(pool), nil, nil, cfg)
			n, err := tokens.PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}

			limits, err := repository.NewRateLimitRepository(pool).CleanupExpired(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup rate limits: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired tokens, %d rate-limit rows\n", n, limits)
			return nil
		},
	}
}
