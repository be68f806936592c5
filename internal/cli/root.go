// Package cli provides the command-line interface for npctl.
package cli

import (
	"os"

	"github.com/nodepassproject/npctl/internal/appconfig"
	"github.com/nodepassproject/npctl/internal/events"
	"github.com/nodepassproject/npctl/internal/logging"
	"github.com/nodepassproject/npctl/internal/nodepass"
	"github.com/nodepassproject/npctl/internal/security"
	"github.com/nodepassproject/npctl/internal/servers"
	"github.com/nodepassproject/npctl/internal/service"
	"github.com/nodepassproject/npctl/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app holds what every command needs once the config is loaded.
type app struct {
	cfg      appconfig.Config
	logger   zerolog.Logger
	servers  *servers.Store
	journal  *events.Store
	client   *nodepass.Client
	logLevel string
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "npctl",
		Short:         "Manage NodePass services across masters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log_level from config.yaml")

	root.AddCommand(newServerCmd(a))
	root.AddCommand(newInstanceCmd(a))
	root.AddCommand(newURLCmd())
	root.AddCommand(newServiceCmd(a))
	root.AddCommand(newSyncCmd(a))
	root.AddCommand(newEventsCmd(a))
	root.AddCommand(newDoctorCmd(a))
	return root
}

func (a *app) init() error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = logging.New(cfg.LogLevel, os.Stderr)
	a.servers = servers.NewStore("")
	a.journal = events.NewStore("")
	a.client = nodepass.New(cfg.RequestTimeout())
	return nil
}

// manager opens the services database and wires a service manager. The
// returned func closes the database.
func (a *app) manager() (*service.Manager, func(), error) {
	st, err := store.Open("", a.cfg.Services.SortOrder)
	if err != nil {
		return nil, nil, err
	}
	mgr := service.NewManager(a.client, st, a.servers, a.journal, a.cfg, a.logger)
	return mgr, func() { _ = st.Close() }, nil
}

// ErrorMessage renders err for the terminal with the home directory and all
// configured API keys masked. The full detail of a classified error is logged
// at debug level.
func ErrorMessage(err error) string {
	var keys []string
	if list, lerr := servers.NewStore("").List(); lerr == nil {
		for _, srv := range list {
			keys = append(keys, srv.APIKey)
		}
	}
	level := appconfig.Default().LogLevel
	if cfg, cerr := appconfig.Load(); cerr == nil {
		level = cfg.LogLevel
	}
	logging.New(level, os.Stderr).Debug().
		Str("detail", security.RedactMessage(security.DebugMessage(err), keys...)).
		Msg("command failed")
	return security.UserMessage(err, true, keys...)
}
