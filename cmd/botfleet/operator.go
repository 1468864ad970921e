package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/botfleet/internal/console/service"
	"github.com/xela07ax/botfleet/internal/repository/postgres"
)

func newOperatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage Control Plane operators",
	}

	add := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Create an operator or reset its password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			pool, err := openDB(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			role, _ := cmd.Flags().GetString("role")
			svc := service.NewAuthService(postgres.NewBotRepo(pool), nil, cfg.Auth.BcryptCost)
			op, err := svc.SaveOperator(cmd.Context(), args[0], args[1], role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operator %s saved (role %s)\n", op.Username, op.Role)
			return nil
		},
	}
	add.Flags().String("role", "operator", "operator role: operator or admin")

	cmd.AddCommand(add)
	return cmd
}
