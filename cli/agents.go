package main

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/opszero/hive/pkg/fleet"
)

func lastSeen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}

func agentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "agents",
		Aliases: []string{"ls", "list"},
		Short:   "List agents in the organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []fleet.Agent
			if err := a.call(cmd.Context(), http.MethodGet, "/v1/agents", nil, &agents); err != nil {
				return err
			}
			if ok, err := a.render(cmd, agents); ok || err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLAST SEEN\tIP\tACTIVE")
			for _, ag := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
					ag.ID, ag.DeviceName, ag.Status, lastSeen(ag.LastHeartbeat), ag.IPAddress, ag.IsActive)
			}
			return w.Flush()
		},
	}
}

func agentCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agent [agent-id]",
		Short: "Show details for one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ag fleet.Agent
			if err := a.call(cmd.Context(), http.MethodGet, "/v1/agents/"+url.PathEscape(args[0]), nil, &ag); err != nil {
				return err
			}
			if ok, err := a.render(cmd, ag); ok || err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Agent: %s\n", ag.ID)
			fmt.Fprintf(out, "========================================\n\n")
			fmt.Fprintf(out, "Device:       %s (%s)\n", ag.DeviceName, ag.DeviceID)
			fmt.Fprintf(out, "Hostname:     %s\n", ag.Hostname)
			fmt.Fprintf(out, "Status:       %s\n", ag.Status)
			fmt.Fprintf(out, "Last Seen:    %s\n", lastSeen(ag.LastHeartbeat))
			fmt.Fprintf(out, "Active:       %v\n", ag.IsActive)
			fmt.Fprintf(out, "OS:           %s %s\n", ag.OSVersion, ag.Architecture)
			fmt.Fprintf(out, "IP Address:   %s\n", ag.IPAddress)
			if ag.BatteryLevel != nil {
				charging := ""
				if ag.IsCharging != nil && *ag.IsCharging {
					charging = " (charging)"
				}
				fmt.Fprintf(out, "Battery:      %d%%%s\n", *ag.BatteryLevel, charging)
			}
			if ag.ProfileID != nil {
				fmt.Fprintf(out, "Profile:      %s\n", *ag.ProfileID)
			}
			fmt.Fprintf(out, "Enrolled:     %s\n", ag.EnrolledAt.Format(time.RFC3339))
			return nil
		},
	}
}

func deactivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate [agent-id]",
		Short: "Deactivate an agent and cancel its pending commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ag fleet.Agent
			if err := a.call(cmd.Context(), http.MethodDelete, "/v1/agents/"+url.PathEscape(args[0]), nil, &ag); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agent %s deactivated\n", ag.ID)
			return nil
		},
	}
}
