package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Show the live room board for the current period",
	RunE: func(cmd *cobra.Command, _ []string) error {
		board, err := api().Live(cmd.Context(), viper.GetString("token"))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		header := fmt.Sprintf("%s  %s", board.EventDay, board.PeriodID)
		if board.IsTesting {
			header += "  (testing)"
		}
		color.New(color.Bold).Fprintln(out, header)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROOM\tOK\tDUP\tERR\tQUEUE\tBATTERY\tSCANNER\tHELP")
		for _, r := range board.Rooms {
			battery := "-"
			if r.BatteryPct != nil {
				battery = fmt.Sprintf("%d%%", *r.BatteryPct)
			}
			scanner := "on"
			if !r.ScannerEnabled {
				scanner = "disabled"
			}
			help := ""
			if r.HelpFlag {
				help = "!"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
				r.RoomID, r.OKCount, r.DupCount, r.ErrCount, r.QueueLen, battery, scanner, help)
		}
		return w.Flush()
	},
}
