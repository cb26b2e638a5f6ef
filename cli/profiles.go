package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/opszero/hive/pkg/dispatch"
	"github.com/opszero/hive/pkg/fleet"
	"github.com/opszero/hive/pkg/policy"
)

func profilesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profiles",
		Aliases: []string{"profile"},
		Short:   "Manage enrollment profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listProfiles(a, cmd)
		},
	}
	cmd.AddCommand(
		profileCreateCmd(a),
		profileShowCmd(a),
		profileRotateCmd(a),
		profileDeleteCmd(a),
	)
	return cmd
}

func listProfiles(a *app, cmd *cobra.Command) error {
	var profiles []fleet.EnrollmentProfile
	if err := a.call(cmd.Context(), http.MethodGet, "/v1/profiles", nil, &profiles); err != nil {
		return err
	}
	if ok, err := a.render(cmd, profiles); ok || err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tACTIVE\tCOMMANDS\tEXPIRES")
	for _, p := range profiles {
		expires := "never"
		if p.EnrollmentExpiresAt != nil {
			expires = humanize.Time(*p.EnrollmentExpiresAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
			p.ID, p.Name, p.ProfileType, p.IsActive, allowedCommands(&p), expires)
	}
	return w.Flush()
}

// allowedCommands summarizes the permission flags of p.
func allowedCommands(p *fleet.EnrollmentProfile) string {
	var allowed []string
	for _, t := range []fleet.CommandType{fleet.CommandLock, fleet.CommandShutdown, fleet.CommandRestart, fleet.CommandWake, fleet.CommandCustom} {
		if _, ok := policy.CommandPermission(p, t); ok {
			allowed = append(allowed, string(t))
		}
	}
	if len(allowed) == 0 {
		return "none"
	}
	return strings.Join(allowed, ",")
}

func profileCreateCmd(a *app) *cobra.Command {
	var (
		in      dispatch.ProfileInput
		expires time.Duration
	)
	boolFlags := map[string]**bool{
		"allow-custom":   &in.AllowRemoteCommands,
		"allow-lock":     &in.AllowLockDevice,
		"allow-shutdown": &in.AllowShutdown,
		"allow-restart":  &in.AllowRestart,
		"allow-wake":     &in.AllowWakeOnLan,
	}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an enrollment profile and print its key",
		RunE: func(cmd *cobra.Command, args []string) error {
			for name, dst := range boolFlags {
				if cmd.Flags().Changed(name) {
					v, _ := cmd.Flags().GetBool(name)
					*dst = &v
				}
			}
			if expires > 0 {
				at := time.Now().Add(expires).UTC()
				in.EnrollmentExpiresAt = &at
			}

			var created dispatch.CreatedProfile
			if err := a.call(cmd.Context(), http.MethodPost, "/v1/profiles", in, &created); err != nil {
				return err
			}
			return printCreated(a, cmd, &created)
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Name, "name", "", "Profile name")
	f.StringVar(&in.Description, "description", "", "Profile description")
	f.StringVar(&in.ProfileType, "type", "", "Profile type (macos, windows, linux, ios, android)")
	f.IntVar(&in.MaxSessionDuration, "max-session", 0, "Maximum session duration in seconds")
	f.StringSliceVar(&in.AllowedIPRanges, "ip-range", nil, "CIDR allowed to enroll (repeatable)")
	f.DurationVar(&expires, "expires-in", 0, "Stop accepting enrollments after this long")
	for name := range boolFlags {
		f.Bool(name, false, "Set the "+name+" permission")
	}
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func profileShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show [profile-id]",
		Short: "Show one enrollment profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p fleet.EnrollmentProfile
			if err := a.call(cmd.Context(), http.MethodGet, "/v1/profiles/"+url.PathEscape(args[0]), nil, &p); err != nil {
				return err
			}
			if ok, err := a.render(cmd, p); ok || err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Profile: %s\n", p.Name)
			fmt.Fprintf(out, "========================================\n\n")
			fmt.Fprintf(out, "ID:           %s\n", p.ID)
			fmt.Fprintf(out, "Type:         %s\n", p.ProfileType)
			fmt.Fprintf(out, "Active:       %v\n", p.IsActive)
			fmt.Fprintf(out, "Commands:     %s\n", allowedCommands(&p))
			fmt.Fprintf(out, "IP Ranges:    %v\n", p.IPRanges())
			fmt.Fprintf(out, "Created:      %s by %s\n", p.CreatedAt.Format(time.RFC3339), p.CreatedBy)
			return nil
		},
	}
}

func profileRotateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key [profile-id]",
		Short: "Issue a new enrollment key, invalidating the old one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rotated dispatch.CreatedProfile
			path := "/v1/profiles/" + url.PathEscape(args[0]) + "/rotate-key"
			if err := a.call(cmd.Context(), http.MethodPost, path, nil, &rotated); err != nil {
				return err
			}
			return printCreated(a, cmd, &rotated)
		},
	}
}

func profileDeleteCmd(a *app) *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "delete [profile-id]",
		Short: "Delete an enrollment profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/profiles/" + url.PathEscape(args[0])
			if cascade {
				path += "?cascade=true"
			}
			if err := a.call(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile %s deleted\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "Also deactivate agents enrolled through the profile")
	return cmd
}

func printCreated(a *app, cmd *cobra.Command, created *dispatch.CreatedProfile) error {
	if ok, err := a.render(cmd, created); ok || err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Profile:         %s (%s)\n", created.Profile.Name, created.Profile.ID)
	fmt.Fprintf(out, "Enrollment key:  %s\n", created.EnrollmentKey)
	fmt.Fprintln(out, "The key is shown once; store it now.")
	return nil
}
