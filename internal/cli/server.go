package cli

import (
	"fmt"

	"github.com/nodepassproject/npctl/internal/util"
	"github.com/spf13/cobra"
)

func newServerCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "server", Short: "Manage NodePass masters"}

	var apiURL, apiKey string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a master by its API prefix URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := a.servers.Add(args[0], apiURL, apiKey)
			if err != nil {
				return err
			}
			if util.IsPlainHTTP(srv.URL) {
				a.logger.Warn().Str("server", srv.Name).Msg("API key will be sent over plain http")
			}
			fmt.Printf("added server %s (%s)\n", srv.Name, srv.ID)
			return nil
		},
	}
	add.Flags().StringVar(&apiURL, "url", "", "master API prefix, e.g. https://host:port/api/v1")
	add.Flags().StringVar(&apiKey, "api-key", "", "master API key")
	_ = add.MarkFlagRequired("url")

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List configured masters",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := a.servers.List()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(all)
			}
			rows := make([][]string, 0, len(all))
			for _, srv := range all {
				key := "no"
				if srv.APIKey != "" {
					key = "yes"
				}
				rows = append(rows, []string{srv.Name, util.ShortID(srv.ID), srv.URL, key})
			}
			printTable([]string{"NAME", "ID", "URL", "KEY"}, rows)
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	remove := &cobra.Command{
		Use:   "remove <name|id>",
		Short: "Forget a master",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := a.servers.Remove(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("removed server %s\n", srv.Name)
			return nil
		},
	}

	info := &cobra.Command{
		Use:   "info <name|id>",
		Short: "Show a master's version and platform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := a.servers.Get(args[0])
			if err != nil {
				return err
			}
			info, err := a.client.Info(cmd.Context(), srv)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(info)
			}
			fmt.Printf("%-10s %s\n", "server", srv.Name)
			fmt.Printf("%-10s %s\n", "version", util.EmptyDash(info.Version))
			fmt.Printf("%-10s %s/%s\n", "platform", util.EmptyDash(info.OS), util.EmptyDash(info.Arch))
			fmt.Printf("%-10s %s\n", "log", util.EmptyDash(info.Log))
			fmt.Printf("%-10s %s\n", "tls", util.EmptyDash(info.TLS))
			return nil
		},
	}
	info.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	root.AddCommand(add, list, remove, info)
	return root
}

func newInstanceCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "instance", Short: "Inspect instances on a master"}

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list <server>",
		Short: "List a master's instances with their peer metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := a.servers.Get(args[0])
			if err != nil {
				return err
			}
			list, err := a.client.ListInstances(cmd.Context(), srv)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(list)
			}
			rows := make([][]string, 0, len(list))
			for _, inst := range list {
				peer := inst.Peer()
				rows = append(rows, []string{
					inst.ID,
					string(inst.Type),
					string(inst.Status),
					util.EmptyDash(util.DefaultString(inst.Alias, peer.Alias)),
					util.EmptyDash(util.ShortID(peer.ServiceID)),
					util.EmptyDash(peer.ServiceType),
					inst.URL,
				})
			}
			printTable([]string{"ID", "TYPE", "STATUS", "ALIAS", "SID", "PEER", "URL"}, rows)
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	root.AddCommand(list)
	return root
}
