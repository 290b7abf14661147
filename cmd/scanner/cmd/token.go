package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"roomscan/internal/auth"
	"roomscan/internal/model"
)

var tokenCmd = &cobra.Command{
	Use:   "token STAFF_ID ROLE",
	Short: "Issue an operator token signed with the server key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := strings.ToUpper(args[1])
		if role != model.RoleAdmin && role != model.RoleTech {
			return fmt.Errorf("role must be %s or %s", model.RoleAdmin, model.RoleTech)
		}
		tok, err := auth.Issue(args[0], role, viper.GetString("issuer"), viper.GetString("signing_key"), viper.GetDuration("token_ttl"))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", tok.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("signing-key", "", "JWT signing key (or SCANNER_SIGNING_KEY)")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime")
	_ = viper.BindPFlag("signing_key", tokenCmd.Flags().Lookup("signing-key"))
	_ = viper.BindPFlag("token_ttl", tokenCmd.Flags().Lookup("ttl"))
}
