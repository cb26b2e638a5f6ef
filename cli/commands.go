package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/opszero/hive/pkg/dispatch"
	"github.com/opszero/hive/pkg/fleet"
)

func sendCmd(a *app) *cobra.Command {
	var (
		params  string
		timeout int
	)
	cmd := &cobra.Command{
		Use:   "send [agent-id] [lock|unlock|shutdown|restart|wake|custom]",
		Short: "Queue a command for an agent",
		Example: `  hivectl send 0190... lock --params '{"message":"Returned to IT"}'
  hivectl send 0190... restart --params '{"delay_seconds":60}' --timeout 600`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := fleet.CommandType(args[1])
			if !t.Valid() {
				return fmt.Errorf("unknown command type %q", args[1])
			}
			req := dispatch.CommandRequest{CommandType: t, TimeoutSeconds: timeout}
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				req.Parameters = json.RawMessage(params)
			}

			var queued fleet.Command
			path := "/v1/agents/" + url.PathEscape(args[0]) + "/commands"
			if err := a.call(cmd.Context(), http.MethodPost, path, req, &queued); err != nil {
				return err
			}
			if ok, err := a.render(cmd, queued); ok || err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s command %s (expires %s)\n",
				queued.CommandType, queued.ID, humanize.Time(queued.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "Command parameters as a JSON object")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Timeout in seconds (server default when 0)")
	return cmd
}

func commandsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "commands [agent-id]",
		Short: "List an agent's commands, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cmds []fleet.Command
			path := "/v1/agents/" + url.PathEscape(args[0]) + "/commands"
			if err := a.call(cmd.Context(), http.MethodGet, path, nil, &cmds); err != nil {
				return err
			}
			if ok, err := a.render(cmd, cmds); ok || err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED\tBY")
			for _, c := range cmds {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.CommandType, c.Status, humanize.Time(c.CreatedAt), c.InitiatedBy)
			}
			return w.Flush()
		},
	}
}

func commandCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "command [command-id]",
		Short: "Show one command and its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c fleet.Command
			if err := a.call(cmd.Context(), http.MethodGet, "/v1/commands/"+url.PathEscape(args[0]), nil, &c); err != nil {
				return err
			}
			if ok, err := a.render(cmd, c); ok || err != nil {
				return err
			}
			printCommand(cmd, &c)
			return nil
		},
	}
}

func cancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [command-id]",
		Short: "Cancel a command that has not been delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c fleet.Command
			path := "/v1/commands/" + url.PathEscape(args[0]) + "/cancel"
			if err := a.call(cmd.Context(), http.MethodPost, path, nil, &c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Command %s %s\n", c.ID, c.Status)
			return nil
		},
	}
}

func printCommand(cmd *cobra.Command, c *fleet.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Command: %s\n", c.ID)
	fmt.Fprintf(out, "========================================\n\n")
	fmt.Fprintf(out, "Agent:        %s\n", c.AgentID)
	fmt.Fprintf(out, "Type:         %s\n", c.CommandType)
	fmt.Fprintf(out, "Status:       %s\n", c.Status)
	fmt.Fprintf(out, "Created:      %s by %s\n", c.CreatedAt.Format(time.RFC3339), c.InitiatedBy)
	fmt.Fprintf(out, "Expires:      %s\n", c.ExpiresAt.Format(time.RFC3339))
	if len(c.Parameters) > 0 {
		fmt.Fprintf(out, "Parameters:   %s\n", string(c.Parameters))
	}
	if c.ExitCode != nil {
		fmt.Fprintf(out, "Exit Code:    %d\n", *c.ExitCode)
	}
	if c.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:        %s\n", c.ErrorMessage)
	}
	if c.Output != "" {
		fmt.Fprintf(out, "\n%s\n", c.Output)
	}
}
