// Package cmd はguardxコマンドの実装です
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"guardx/internal/config"
)

var configPath string

// RootCmd はサブコマンドのまとめ役
var RootCmd = &cobra.Command{
	Use:           "guardx",
	Short:         "リアルタイム検出ルーター",
	Long:          `カメラからのフレームを受け取り、デプロイ済みのものだけを検出して管理者へ配信します`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GUARDX_CONFIG"), "設定ファイルのパス [env: GUARDX_CONFIG]")
}

// Execute はコマンドを実行する
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig は設定ファイルと環境変数から設定を読み込む
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	return cfg, nil
}
