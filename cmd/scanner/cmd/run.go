package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"roomscan/internal/client"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scanner device",
	Long: `Reads captures and commands from standard input, one per line.

Commands:
  lock ROOM                 bind the device to a room
  start | stop              toggle scanning
  manual NAME,ID[,GRADE]    record a typed check-in
  unlock BADGE              release the room lock with a staff badge
  help [NOTE]               ask for assistance
  flush | status

Any other line is treated as a scanned code.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		storage, err := client.NewSQLiteStorage(viper.GetString("db_path"))
		if err != nil {
			return err
		}
		defer storage.Close()

		notifier := client.NewColorNotifier(os.Stdout)
		q, err := client.NewOfflineQueue(ctx, storage, api(), notifier, client.DefaultConfig(), log)
		if err != nil {
			return err
		}
		if room := viper.GetString("room"); room != "" && q.Snapshot().RoomID == "" {
			if err := q.Lock(ctx, room); err != nil {
				return fmt.Errorf("lock %s: %w", room, err)
			}
		}

		agent := client.NewAgent(q, os.Stdin, viper.GetDuration("sync_interval"), nil, log)
		log.Info("scanner started", zap.String("server", viper.GetString("server_url")))
		return agent.Run(ctx)
	},
}

func init() {
	runCmd.Flags().String("room", "", "lock to this room on first start")
	runCmd.Flags().String("db", "", "local buffer database path")
	runCmd.Flags().Duration("sync-interval", 0, "status report interval")
	_ = viper.BindPFlag("room", runCmd.Flags().Lookup("room"))
	_ = viper.BindPFlag("db_path", runCmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("sync_interval", runCmd.Flags().Lookup("sync-interval"))
}

