package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/botfleet/internal/bus"
	"github.com/xela07ax/botfleet/internal/fleet"
)

func newSignalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <bot_id|*> <stop|destroy|restart|emergency|primary>",
		Short: "Publish a fleet control signal to every running orchestrator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := fleet.ParseSignal(args[0] + ":" + args[1]); err != nil {
				return err
			}
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			rdb, err := openRedis(cmd.Context(), cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()

			if err := bus.NewNotifier(rdb).SendSignal(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signal %s:%s sent\n", args[0], args[1])
			return nil
		},
	}
}
