// Package logger はlogrusベースのロガーを構築する
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"guardx/internal/config"
)

// New は設定に従ってロガーを作成する
// 不明なレベルは info として扱う
func New(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}

// Discard は出力を捨てるロガーを返す（テスト用）
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
