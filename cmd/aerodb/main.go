package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aerodb/aerodb/internal/aeroerr"
	"github.com/aerodb/aerodb/internal/config"
	"github.com/aerodb/aerodb/internal/crashlog"
	"github.com/aerodb/aerodb/internal/engine"
	"github.com/aerodb/aerodb/internal/logging"
	"github.com/aerodb/aerodb/internal/wire"
)

// Exit codes (spec §6 "CLI surface").
const (
	exitOK               = 0
	exitAlreadyInit      = 2
	exitInvalidConfig    = 3
	exitInitIOError      = 4
	exitBootFailure      = 5
	exitFatalRuntime     = 6
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "aerodb",
	Short: "AeroDB durability and recovery core",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to JSON configuration file")
	rootCmd.AddCommand(initCmd, startCmd, queryCmd, explainCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "create the on-disk directory skeleton and version markers",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitInvalidConfig)
		}

		if err := engine.Init(cfg); err != nil {
			switch aeroerr.Code(err) {
			case aeroerr.CodeAlreadyInitialized:
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitAlreadyInit)
			default:
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitInitIOError)
			}
		}
		os.Exit(exitOK)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "boot the database and serve newline-delimited JSON operations on stdin/stdout",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, db := bootOrExit()
		defer db.Close()

		logging.Get().Info("aerodb serving", "data_dir", cfg.DataDir)
		if err := wire.ServeNDJSON(db, os.Stdin, os.Stdout); err != nil {
			logging.Get().Error("fatal runtime error", "error", err)
			crashlog.Write(engine.NewLayout(cfg.DataDir).CrashLog, "serve", err)
			os.Exit(exitFatalRuntime)
		}
		os.Exit(exitOK)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "boot the database, execute one operation read from stdin, and exit",
	Run: func(cmd *cobra.Command, args []string) {
		_, db := bootOrExit()
		defer db.Close()

		if err := wire.ServeOne(db, os.Stdin, os.Stdout); err != nil {
			logging.Get().Error("query failed", "error", err)
			os.Exit(exitFatalRuntime)
		}
		os.Exit(exitOK)
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "boot the database, execute one operation read from stdin exactly as query does (no plan output), and exit",
	Run: func(cmd *cobra.Command, args []string) {
		_, db := bootOrExit()
		defer db.Close()

		if err := wire.ServeOne(db, os.Stdin, os.Stdout); err != nil {
			logging.Get().Error("explain failed", "error", err)
			os.Exit(exitFatalRuntime)
		}
		os.Exit(exitOK)
	},
}

func bootOrExit() (*config.Config, *engine.Database) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalidConfig)
	}

	db, err := engine.Open(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		crashlog.Write(engine.NewLayout(cfg.DataDir).CrashLog, "boot", err)
		os.Exit(exitBootFailure)
	}
	return cfg, db
}
