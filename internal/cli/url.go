package cli

import (
	"fmt"
	"strings"

	"github.com/nodepassproject/npctl/internal/command"
	"github.com/nodepassproject/npctl/internal/model"
	"github.com/nodepassproject/npctl/internal/util"
	"github.com/spf13/cobra"
)

var roleAliases = map[string]model.ImplementationType{
	"forwarder":      model.DirectForwardClient,
	"public-server":  model.NATPassthroughServer,
	"private-client": model.NATPassthroughClient,
	"relay":          model.TunnelForwardRelay,
	"destination":    model.TunnelForwardDestination,
}

func parseRole(s string) (model.ImplementationType, error) {
	s = strings.TrimSpace(s)
	if r, ok := roleAliases[strings.ToLower(s)]; ok {
		return r, nil
	}
	for _, r := range roleAliases {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q (forwarder, public-server, private-client, relay, destination)", s)
}

// optionFlags are the query parameter flags shared by url encode and service
// create.
type optionFlags struct {
	log, mode, tls, min, max string
	params                   []string
}

func (o *optionFlags) register(cmd *cobra.Command, withMode bool) {
	cmd.Flags().StringVar(&o.log, "log", "", "log level (none, error, warn, info, event, debug)")
	if withMode {
		cmd.Flags().StringVar(&o.mode, "mode", "", "run mode (0 auto, 1 listen, 2 connect)")
	}
	cmd.Flags().StringVar(&o.tls, "tls", "", "tls mode (0 off, 1 self-signed, 2 custom)")
	cmd.Flags().StringVar(&o.min, "min", "", "minimum connection pool size")
	cmd.Flags().StringVar(&o.max, "max", "", "maximum connection pool size")
	cmd.Flags().StringArrayVar(&o.params, "param", nil, "extra query parameter key=value (repeatable)")
}

func (o *optionFlags) options() (command.Options, error) {
	opts := command.Options{
		Log:  command.LogLevel(strings.TrimSpace(o.log)),
		Mode: command.Mode(strings.TrimSpace(o.mode)),
		TLS:  command.TLSMode(strings.TrimSpace(o.tls)),
		Min:  strings.TrimSpace(o.min),
		Max:  strings.TrimSpace(o.max),
	}
	for _, raw := range o.params {
		p, err := command.ParseParam(raw)
		if err != nil {
			return command.Options{}, err
		}
		opts.Params = append(opts.Params, p)
	}
	return opts, nil
}

func parseTargets(raw []string) ([]command.Address, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --target is required")
	}
	out := make([]command.Address, 0, len(raw))
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			a, err := command.ParseAddress(part)
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", part, err)
			}
			out = append(out, a)
		}
	}
	return out, nil
}

func newURLCmd() *cobra.Command {
	root := &cobra.Command{Use: "url", Short: "Encode and decode NodePass instance URLs"}

	var (
		role    string
		tunnel  string
		targets []string
		opts    optionFlags
	)
	encode := &cobra.Command{
		Use:   "encode",
		Short: "Build an instance URL for a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRole(role)
			if err != nil {
				return err
			}
			tun, err := command.ParseAddress(tunnel)
			if err != nil {
				return fmt.Errorf("tunnel %q: %w", tunnel, err)
			}
			tgts, err := parseTargets(targets)
			if err != nil {
				return err
			}
			o, err := opts.options()
			if err != nil {
				return err
			}
			out, err := command.Build(r, tun, tgts, o)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	encode.Flags().StringVar(&role, "role", "", "instance role")
	encode.Flags().StringVar(&tunnel, "tunnel", "", "tunnel address HOST:PORT (listen for servers, dial for clients)")
	encode.Flags().StringArrayVar(&targets, "target", nil, "target address HOST:PORT (repeatable)")
	opts.register(encode, true)
	_ = encode.MarkFlagRequired("role")
	_ = encode.MarkFlagRequired("tunnel")

	var jsonOut bool
	decode := &cobra.Command{
		Use:   "decode <url>",
		Short: "Parse an instance URL into its parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := command.Decode(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(inst)
			}
			tgts := make([]string, 0, len(inst.Targets))
			for _, t := range inst.Targets {
				tgts = append(tgts, t.String())
			}
			fmt.Printf("%-8s %s\n", "scheme", inst.Scheme)
			fmt.Printf("%-8s %s:%s\n", "tunnel", inst.TunnelHost, inst.TunnelPort)
			fmt.Printf("%-8s %s\n", "targets", util.EmptyDash(strings.Join(tgts, ",")))
			fmt.Printf("%-8s %s\n", "log", util.EmptyDash(string(inst.Log)))
			fmt.Printf("%-8s %s\n", "mode", util.EmptyDash(string(inst.Mode)))
			fmt.Printf("%-8s %s\n", "tls", util.EmptyDash(string(inst.TLS)))
			fmt.Printf("%-8s %s\n", "min", util.EmptyDash(inst.Min))
			fmt.Printf("%-8s %s\n", "max", util.EmptyDash(inst.Max))
			for _, p := range inst.Params {
				fmt.Printf("%-8s %s=%s\n", "param", p.Key, p.Value)
			}
			return nil
		},
	}
	decode.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	root.AddCommand(encode, decode)
	return root
}
