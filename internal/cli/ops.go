package cli

import (
	"fmt"
	"time"

	"github.com/nodepassproject/npctl/internal/doctor"
	"github.com/nodepassproject/npctl/internal/events"
	"github.com/nodepassproject/npctl/internal/util"
	"github.com/spf13/cobra"
)

func newEventsCmd(a *app) *cobra.Command {
	var (
		q       events.Query
		since   time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the service and sync journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			list, err := a.journal.Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				if list == nil {
					list = []events.Event{}
				}
				return printJSON(list)
			}
			for _, evt := range list {
				target := evt.ServiceID
				if target == "" {
					target = evt.ServerID
				}
				fmt.Printf("%s %-20s %-10s %s\n",
					evt.Timestamp.Local().Format(time.DateTime),
					evt.EventType,
					util.EmptyDash(util.ShortID(target)),
					evt.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&q.ServiceID, "service", "", "filter by service id")
	cmd.Flags().StringVar(&q.EventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "show at most N newest events (0 = all)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this duration, e.g. 24h")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newDoctorCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check masters, groupings and local file posture",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.servers.List()
			if err != nil {
				return err
			}
			report, err := doctor.Run(cmd.Context(), list, a.client, a.logger)
			if err != nil {
				return err
			}
			if jsonOut {
				if report.Issues == nil {
					report.Issues = []doctor.Issue{}
				}
				return printJSON(report)
			}
			if len(report.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, is := range report.Issues {
				fmt.Printf("[%s] %s %s: %s\n", is.Severity, is.Check, is.Target, is.Message)
				if is.Recommendation != "" {
					fmt.Printf("  -> %s\n", is.Recommendation)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
