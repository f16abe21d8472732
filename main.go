package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/TUW-GEO/gldas/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	a := newApp()
	if err := a.root.ExecuteContext(ctx); err != nil {
		a.logger(os.Stderr).Error("gldas failed", "err", err)
		stop()
		os.Exit(1)
	}
}

// app carries the configuration shared by the commands of one invocation.
type app struct {
	v    *viper.Viper
	cfg  *config.Config
	root *cobra.Command
}

func newApp() *app {
	a := &app{v: config.New()}
	a.root = &cobra.Command{
		Use:   "gldas",
		Short: "Download GLDAS Noah data and convert it into time series",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			file, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			a.cfg, err = config.Load(a.v, file)
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := a.root.PersistentFlags()
	flags.String("config", "", "configuration file (default: config.yaml in ., ./config or $HOME/.gldas)")
	flags.String("log_level", "info", "log level: debug, info, warn or error")
	flags.String("log_format", "text", "log format: text or json")
	a.bind(flags, map[string]string{"log.level": "log_level", "log.format": "log_format"})

	a.root.AddCommand(a.reshuffleCmd(), a.downloadCmd())
	return a
}

// bind makes the flags of set override the configuration keys they are
// mapped from.
func (a *app) bind(set *pflag.FlagSet, flags map[string]string) {
	for key, name := range flags {
		if err := a.v.BindPFlag(key, set.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// logger returns the configured logger writing to w, or a text logger when
// the configuration could not be loaded.
func (a *app) logger(w io.Writer) *slog.Logger {
	if a.cfg == nil {
		return slog.New(slog.NewTextHandler(w, nil))
	}
	return a.cfg.NewLogger(w)
}

func isoDate(t time.Time) string {
	return t.Format("2006-01-02T15:04:05")
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
