package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"guardx/internal/auth"
)

var (
	tokenRole     string
	tokenCameraID string
	tokenTTL      time.Duration
)

// TokenCmd は開発用のアクセストークンを発行する
var TokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "アクセストークンを発行する",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := strings.ToUpper(tokenRole)
		if role != auth.RoleAdmin && role != auth.RoleOperator {
			return fmt.Errorf("role は %s か %s を指定してください: %s", auth.RoleAdmin, auth.RoleOperator, tokenRole)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		issuer, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret)
		if err != nil {
			return err
		}
		token, err := issuer.Issue(args[0], role, tokenCameraID, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	TokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleOperator, "ロール (ADMIN または OPERATOR)")
	TokenCmd.Flags().StringVar(&tokenCameraID, "camera-id", "", "カメラID（省略時は subject）")
	TokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "有効期間")
	RootCmd.AddCommand(TokenCmd)
}
