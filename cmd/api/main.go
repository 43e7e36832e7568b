package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/config"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/logger"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.App.Env)
	defer logger.Sync()

	rootCmd := &cobra.Command{
		Use:   "slot-hold",
		Short: "予約枠の仮押さえAPIサーバー",
		// サブコマンドなしで起動した場合は serve と同じ
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd(cfg))
	rootCmd.AddCommand(migrateCmd(cfg))
	rootCmd.AddCommand(sweepCmd(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("コマンドの実行に失敗しました", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func serveCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "HTTPサーバー・期限切れスイーパー・通知ディスパッチャーを起動する",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
}

func migrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "データベースマイグレーションを適用して終了する",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cfg)
		},
	}
}

func sweepCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "期限切れの仮押さえを一度だけ失効させて終了する（cron 用）",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), cfg)
		},
	}
}
