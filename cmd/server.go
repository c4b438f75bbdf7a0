package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"guardx/internal/config"
	"guardx/internal/logger"
	"guardx/internal/server"
)

var (
	serverHost string
	serverPort int
)

// ServerCmd はサーバーを起動する
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "サーバーを起動する",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	ServerCmd.Flags().StringVar(&serverHost, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "サーバーのポート (デフォルト: 8000)")
	RootCmd.AddCommand(ServerCmd)
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// コマンドラインオプションで設定を上書き
	if serverHost != "" {
		cfg.Server.Host = serverHost
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("設定の検証に失敗しました: %w", err)
	}

	log := logger.New(cfg.Log)
	if cfg.Auth.JWTSecret == config.DefaultJWTSecret {
		log.Warn("開発用のJWTシークレットを使用しています。JWT_SECRET_KEY を設定してください")
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("サーバーの作成に失敗しました: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("サーバーの起動に失敗しました: %w", err)
	}
	return nil
}
