package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dancode-188/pdfsync/server/internal/auth"
	"github.com/Dancode-188/pdfsync/server/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Issue an access token signed with the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

var (
	tokenRead  []string
	tokenWrite []string
	tokenAdmin bool
	tokenTTL   time.Duration
)

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenRead, "read", nil, "Document IDs the user may read (* for all)")
	tokenCmd.Flags().StringSliceVar(&tokenWrite, "write", nil, "Document IDs the user may write (* for all)")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Grant access to every document")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("no jwt_secret configured; authentication is disabled")
	}

	perms := auth.CreateUserPermissions(tokenRead, tokenWrite)
	if tokenAdmin {
		perms = auth.CreateAdminPermissions()
	}
	token, err := auth.GenerateAccessToken(args[0], "", perms, cfg.Server.JWTSecret, tokenTTL)
	if err != nil {
		return err
	}
	cmd.Println(token)
	return nil
}
