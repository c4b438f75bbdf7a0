package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ValidateCmd は設定ファイルを検証して結果を表示する
var ValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "設定を検証する",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "設定は有効です")
		fmt.Fprintf(out, "  listen:            %s\n", cfg.ServerAddress())
		fmt.Fprintf(out, "  decimation_factor: %d\n", cfg.Router.DecimationFactor)
		fmt.Fprintf(out, "  admission:         %d\n", cfg.Router.AdmissionCapacity)
		fmt.Fprintf(out, "  detector:          %s\n", orNone(cfg.Detector.Endpoint))
		fmt.Fprintf(out, "  mqtt:              %s\n", enabled(cfg.MQTT.Enabled, cfg.MQTT.Broker))
		fmt.Fprintf(out, "  audit:             %s\n", enabled(cfg.Audit.Enabled, cfg.Audit.Table))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(ValidateCmd)
}

func orNone(s string) string {
	if s == "" {
		return "(なし)"
	}
	return s
}

func enabled(on bool, detail string) string {
	if !on {
		return "無効"
	}
	return "有効 (" + detail + ")"
}
