package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ksred/klear-payouts/internal/config"
	"github.com/ksred/klear-payouts/internal/database"
	"github.com/ksred/klear-payouts/internal/settlement"
)

const operatorActor = "cli:operator"

var (
	cfgFile string
	cfg     *config.Config

	rootCmd = &cobra.Command{
		Use:   "payoutctl",
		Short: "Operate marketplace settlements",
		Long: `payoutctl builds, inspects and exports seller settlements directly against
the payouts database, and repairs ledger flags after an incident.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(repairFlagsCmd())
	rootCmd.AddCommand(scheduleCmd())
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		zlog.Info().Msg("Received interrupt signal, shutting down")
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded
	config.SetupLogging(cfg.Env, cfg.Log.Level)
	return nil
}

func openDB() (*gorm.DB, error) {
	db, err := database.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func newService() (*settlement.Service, func(), error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	rates, err := cfg.FeeRates()
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	svc, err := settlement.NewService(db, settlement.Config{
		Rates:       rates,
		GracePeriod: cfg.Settlement.GracePeriod,
		Currency:    cfg.Settlement.Currency,
		TxOptions:   database.TxOptions(cfg.Database.Driver),
	})
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return svc, closeDB, nil
}
