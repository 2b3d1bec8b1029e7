package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkoberg/amidbg/pkg/debug/cli"
	"github.com/mkoberg/amidbg/pkg/debug/hunk"
	"github.com/mkoberg/amidbg/pkg/debug/proto"
	"github.com/mkoberg/amidbg/pkg/debug/session"
	"github.com/mkoberg/amidbg/pkg/debug/stabs"
	"github.com/mkoberg/amidbg/pkg/debug/target"
	"github.com/mkoberg/amidbg/pkg/debug/tui"
)

var cfgFile string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "amidbg <executable>",
	Short: "A source-level debugger for the AmigaOS",
	Long: `amidbg is the host side of a source-level debugger for AmigaOS/M68k targets.

It connects to the debug agent running on (or emulating) the target machine,
loads the debug information from the executable and lets you set breakpoints,
step at the instruction and source-line level, and inspect registers, memory
and the call stack.`,
	Args: cobra.ExactArgs(1),
	RunE: runDebugger,
	// errors are rendered here once, with the usage suppressed
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.amidbg.yaml)")
	RootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().String("log-file", "", "Write a session log to this file")
	RootCmd.Flags().StringP("host", "H", "127.0.0.1", "IP address / name of the debug agent")
	RootCmd.Flags().IntP("port", "P", 1234, "TCP port of the debug agent")
	RootCmd.Flags().String("syscall-db-dir", "", "Directory containing the syscall database (*.data files)")
	RootCmd.Flags().Bool("tui", true, "Enable the terminal UI (disable mainly for debugging the debugger itself)")

	for _, flag := range []string{"verbose", "log-file", "host", "port", "syscall-db-dir", "tui"} {
		if f := RootCmd.Flags().Lookup(flag); f != nil {
			cobra.CheckErr(viper.BindPFlag(flag, f))
		} else {
			cobra.CheckErr(viper.BindPFlag(flag, RootCmd.PersistentFlags().Lookup(flag)))
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search config in home directory with name ".amidbg" (without extension).
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".amidbg")
	}

	viper.SetEnvPrefix("amidbg")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setupLogging builds the session logger. Log records fan out to the
// console (or the TUI's log pane) and, when configured, a log file.
func setupLogging(useTUI bool) (*slog.Logger, *tui.PaneWriter, error) {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	var paneWriter *tui.PaneWriter
	if useTUI {
		paneWriter = tui.NewLogWriter()
		handlers = append(handlers, slog.NewTextHandler(paneWriter, opts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
	}
	if logFile := viper.GetString("log-file"); logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open log file: %w", err)
		}
		handlers = append(handlers, slog.NewTextHandler(file, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...)), paneWriter, nil
}

// loadProgram extracts the STABS records from the executable and builds the
// program with its debug information. Malformed debug information is not
// fatal: the session continues without source-level debugging.
func loadProgram(fname string, log *slog.Logger) *stabs.Program {
	exe, err := hunk.ReadExecutable(fname, log)
	if err != nil {
		log.Warn("Could not read executable, continuing without debug information", "error", err)
		return nil
	}
	data, err := exe.StabsData()
	if err != nil {
		log.Warn("Continuing without debug information", "error", err)
		return nil
	}
	program, err := stabs.NewProgram(data, log)
	if err != nil {
		if errors.Is(err, stabs.ErrMalformed) {
			log.Warn("Debug information is malformed, continuing without it", "error", err)
			return nil
		}
		log.Warn("Could not decode debug information", "error", err)
		return nil
	}
	log.Info("Loaded program with debug information", "units", program.CompUnits())
	return program
}

func runDebugger(cmd *cobra.Command, args []string) error {
	useTUI := viper.GetBool("tui")
	log, paneWriter, err := setupLogging(useTUI)
	if err != nil {
		return err
	}

	conn, err := proto.Connect(viper.GetString("host"), viper.GetInt("port"), log)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess := session.New(conn, log)
	sess.Program = loadProgram(args[0], log)
	if dbDir := viper.GetString("syscall-db-dir"); dbDir != "" {
		db, err := target.LoadSyscallDB(dbDir, log)
		if err != nil {
			log.Warn("Could not load syscall database", "error", err)
		} else {
			sess.SyscallDB = db
			sess.ResolveLibBases()
		}
	}

	commands := cli.New(sess, log)
	if useTUI {
		return tui.New(commands, log, paneWriter).Run()
	}
	return commands.RunLoop()
}
