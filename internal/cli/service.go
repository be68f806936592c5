package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nodepassproject/npctl/internal/command"
	"github.com/nodepassproject/npctl/internal/model"
	"github.com/nodepassproject/npctl/internal/nodepass"
	"github.com/nodepassproject/npctl/internal/service"
	"github.com/nodepassproject/npctl/internal/util"
	"github.com/spf13/cobra"
)

// withManager runs fn with a manager whose database is closed afterwards.
func (a *app) withManager(fn func(*service.Manager) error) error {
	mgr, closeFn, err := a.manager()
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(mgr)
}

func newServiceCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "service", Short: "Manage composite services"}

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List local services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(mgr *service.Manager) error {
				all, err := mgr.List(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(all)
				}
				rows := make([][]string, 0, len(all))
				for _, svc := range all {
					rows = append(rows, []string{
						util.ShortID(svc.ID.String()),
						svc.Name,
						string(svc.Type),
						a.serverNames(svc),
						svc.CreatedAt.Local().Format(time.DateTime),
					})
				}
				printTable([]string{"ID", "NAME", "TYPE", "SERVERS", "CREATED"}, rows)
				return nil
			})
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a service and its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(mgr *service.Manager) error {
				svc, err := mgr.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(svc)
				}
				a.printService(svc)
				return nil
			})
		},
	}
	show.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	var force bool
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a service and its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(mgr *service.Manager) error {
				svc, err := mgr.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := mgr.Delete(cmd.Context(), svc.ID, force); err != nil {
					return err
				}
				fmt.Printf("deleted service %s (%s)\n", svc.Name, svc.ID)
				return nil
			})
		},
	}
	del.Flags().BoolVar(&force, "force", false, "remove the local record even if masters fail")

	var position int
	var newURL string
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace the command of one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(mgr *service.Manager) error {
				svc, err := mgr.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				impl, err := mgr.Update(cmd.Context(), svc.ID, position, newURL)
				if err != nil {
					return err
				}
				fmt.Printf("%s -> %s\n", impl.Name, impl.Command)
				return nil
			})
		},
	}
	update.Flags().IntVar(&position, "position", 0, "implementation position (0 or 1)")
	update.Flags().StringVar(&newURL, "url", "", "new instance URL")
	_ = update.MarkFlagRequired("url")

	rename := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a service on every master",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(mgr *service.Manager) error {
				svc, err := mgr.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := mgr.Rename(cmd.Context(), svc.ID, args[1]); err != nil {
					return err
				}
				fmt.Printf("renamed %s to %s\n", svc.Name, strings.TrimSpace(args[1]))
				return nil
			})
		},
	}

	root.AddCommand(list, show, del, update, rename, newCreateCmd(a))
	for _, action := range []nodepass.Action{nodepass.ActionStart, nodepass.ActionStop, nodepass.ActionRestart} {
		root.AddCommand(newControlCmd(a, action))
	}
	return root
}

func newControlCmd(a *app, action nodepass.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <id>",
		Short: strings.ToUpper(string(action[:1])) + string(action[1:]) + " every instance of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(mgr *service.Manager) error {
				svc, err := mgr.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := mgr.Control(cmd.Context(), svc.ID, action); err != nil {
					return err
				}
				fmt.Printf("%s %s: ok\n", action, svc.Name)
				return nil
			})
		},
	}
}

type createFlags struct {
	name       string
	listen     string
	tunnelPort string
	entryPort  string
	relayHost  string
	targets    []string
	opts       optionFlags
}

func (f *createFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "service name")
	cmd.Flags().StringArrayVar(&f.targets, "target", nil, "target address HOST:PORT (repeatable)")
	f.opts.register(cmd, false)
}

func newCreateCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "create", Short: "Create a service"}

	run := func(cmd *cobra.Command, typ model.ServiceType, f *createFlags, serverRefs []string, listen command.Address) error {
		targets, err := parseTargets(f.targets)
		if err != nil {
			return err
		}
		opts, err := f.opts.options()
		if err != nil {
			return err
		}
		req := service.CreateRequest{
			Name:       f.name,
			Type:       typ,
			Servers:    serverRefs,
			ListenHost: listen.Host,
			ListenPort: listen.Port,
			TunnelPort: f.tunnelPort,
			RelayHost:  f.relayHost,
			Targets:    targets,
			Options:    opts,
		}
		return a.withManager(func(mgr *service.Manager) error {
			svc, err := mgr.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			a.printService(svc)
			return nil
		})
	}

	var direct createFlags
	directCmd := &cobra.Command{
		Use:   "direct <server>",
		Short: "Forward a local listen port on one master to targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, err := command.ParseAddress(direct.listen)
			if err != nil {
				return fmt.Errorf("listen %q: %w", direct.listen, err)
			}
			return run(cmd, model.DirectForward, &direct, args, listen)
		},
	}
	direct.register(directCmd)
	directCmd.Flags().StringVar(&direct.listen, "listen", "", "listen address [HOST:]PORT")
	_ = directCmd.MarkFlagRequired("listen")

	pairCmd := func(use, short string, typ model.ServiceType, first, second, hostFlag string) *cobra.Command {
		var f createFlags
		var firstRef, secondRef string
		c := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, typ, &f, []string{firstRef, secondRef}, command.Address{Port: f.entryPort})
			},
		}
		f.register(c)
		c.Flags().StringVar(&firstRef, first, "", first+" master")
		c.Flags().StringVar(&secondRef, second, "", second+" master")
		c.Flags().StringVar(&f.tunnelPort, "tunnel-port", "", "port of the tunnel between the two instances")
		c.Flags().StringVar(&f.entryPort, "entry-port", "", "public port served by the "+first+" master")
		c.Flags().StringVar(&f.relayHost, hostFlag, "", "address the "+second+" instance dials (default: the "+first+" master's API host)")
		if typ == model.TunnelForwardExternal {
			_ = c.MarkFlagRequired(hostFlag)
		}
		_ = c.MarkFlagRequired(first)
		_ = c.MarkFlagRequired(second)
		_ = c.MarkFlagRequired("tunnel-port")
		_ = c.MarkFlagRequired("entry-port")
		return c
	}

	nat := pairCmd("nat", "Expose a service behind NAT through a public master",
		model.NATPassthrough, "public", "private", "public-host")
	tunnel := pairCmd("tunnel", "Relay traffic from a relay master to a destination master",
		model.TunnelForward, "relay", "destination", "relay-host")
	external := pairCmd("tunnel-external", "Relay through an address that is not the relay master's API host",
		model.TunnelForwardExternal, "relay", "destination", "relay-host")

	root.AddCommand(directCmd, nat, tunnel, external)
	return root
}

func (a *app) serverNames(svc model.Service) string {
	names := make([]string, 0, len(svc.Implementations))
	for _, impl := range svc.Implementations {
		name := util.ShortID(impl.ServerID)
		if srv, err := a.servers.Get(impl.ServerID); err == nil {
			name = srv.Name
		}
		names = append(names, name)
	}
	return strings.Join(names, " -> ")
}

func (a *app) printService(svc model.Service) {
	fmt.Println(titleStyle.Render(svc.Name))
	fmt.Printf("%-8s %s\n", "id", svc.ID)
	fmt.Printf("%-8s %s\n", "type", svc.Type)
	if svc.PeerID != svc.ID.String() {
		fmt.Printf("%-8s %s\n", "sid", svc.PeerID)
	}
	fmt.Printf("%-8s %s\n", "created", svc.CreatedAt.Local().Format(time.DateTime))

	rows := make([][]string, 0, len(svc.Implementations))
	for _, impl := range svc.Implementations {
		srv := util.ShortID(impl.ServerID)
		if s, err := a.servers.Get(impl.ServerID); err == nil {
			srv = s.Name
		}
		cmdText := impl.Command
		if a.cfg.Services.AdvancedMode {
			cmdText = util.DefaultString(impl.FullCommand, impl.Command)
		}
		rows = append(rows, []string{fmt.Sprint(impl.Position), impl.Name, srv, impl.InstanceID, cmdText})
	}
	printTable([]string{"POS", "ROLE", "SERVER", "INSTANCE", "COMMAND"}, rows)
}

func newSyncCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Import services found on the configured masters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*a.cfg.RequestTimeout())
			defer cancel()
			return a.withManager(func(mgr *service.Manager) error {
				res, err := mgr.Sync(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(res)
				}
				fmt.Printf("imported %d service(s)\n", len(res.Services))
				for _, svc := range res.Services {
					fmt.Printf("  + %s %s (%s)\n", util.ShortID(svc.ID.String()), svc.Name, svc.Type)
				}
				for _, s := range res.Skipped {
					fmt.Printf("  ! skipped %s: %s\n", s.ServiceID, s.Reason)
				}
				for id, msg := range res.Errors {
					name := id
					if srv, err := a.servers.Get(id); err == nil {
						name = srv.Name
					}
					fmt.Printf("  x %s: %s\n", name, msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
