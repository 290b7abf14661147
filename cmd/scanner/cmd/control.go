package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"roomscan/internal/model"
)

var controlReason string

var controlCmd = &cobra.Command{
	Use:   "control ROOM ACTION",
	Short: "Send a room command: forceUnlock, disable or enable",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := model.ControlAction(strings.TrimSpace(args[1]))
		if !action.Valid() {
			return fmt.Errorf("unknown action %q", args[1])
		}
		if err := api().RoomControl(cmd.Context(), viper.GetString("token"), args[0], action, controlReason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s sent to %s\n", action, args[0])
		return nil
	},
}

func init() {
	controlCmd.Flags().StringVar(&controlReason, "reason", "", "message shown on a disabled scanner")
}
