package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/rombox/internal/auth"
	"github.com/ZebulonRouseFrantzich/rombox/internal/config"
	"github.com/ZebulonRouseFrantzich/rombox/internal/credential"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rombox/internal/host"
	"github.com/ZebulonRouseFrantzich/rombox/internal/service"
	"github.com/ZebulonRouseFrantzich/rombox/internal/state"
)

// secretEnv supplies the login secret non-interactively.
const secretEnv = "ROMBOX_SECRET"

func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with the default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			content, err := config.NewGenerator().Generate(config.Default())
			if err != nil {
				return err
			}
			path := opts.settingsPath()
			if err := config.WriteFile(path, content, force); err != nil {
				if errors.Is(err, os.ErrExist) {
					return &exitError{code: 1, msg: fmt.Sprintf("%s already exists (use --force to overwrite)", path)}
				}
				return err
			}
			return emit(opts.out, opts.jsonOutput, map[string]string{"path": path}, "Wrote "+path)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")
	return cmd
}

// serverArg picks the server from args, falling back to the settings file.
func serverArg(a *app, args []string, n int) (string, error) {
	if len(args) >= n && args[0] != "" {
		return args[0], nil
	}
	if a.cfg.Server.URL == "" {
		return "", fault.Newf(fault.NotConfigured, "rombox", "no server given and server.url is not set")
	}
	return a.cfg.Server.URL, nil
}

func readSecret(opts *rootOptions) (string, error) {
	if s := os.Getenv(secretEnv); s != "" {
		return s, nil
	}
	fmt.Fprint(opts.errOut, "Secret: ")
	line, err := bufio.NewReader(opts.in).ReadString('\n')
	if err != nil && line == "" {
		return "", fault.Newf(fault.InvalidArgument, "login", "no secret on standard input")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type loginOutput struct {
	Server    string `json:"server"`
	Username  string `json:"username"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

func newLoginCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login [server] <username>",
		Short: "Verify and store credentials for a server",
		Long: "Probes the server's token endpoint and, when the credentials are accepted,\n" +
			"stores them encrypted. The secret is read from $" + secretEnv + " or standard input.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				server, err := serverArg(a, args, 2)
				if err != nil {
					return err
				}
				username := args[len(args)-1]
				secret, err := readSecret(opts)
				if err != nil {
					return err
				}

				res, err := a.gateway.TestConnection(cmd.Context(), auth.ConnectRequest{
					ServerURL: server,
					Username:  username,
					Secret:    secret,
					Timeout:   a.cfg.Server.Timeout(),
					Verbose:   opts.verbose,
				})
				if err != nil {
					return err
				}
				if res.Status != auth.StatusAuthenticated {
					return fault.Newf(res.Status.Kind(), "login", res.Message)
				}
				if err := a.creds.Save(server, username, secret); err != nil {
					return err
				}
				key, _ := credential.NormalizeServerURL(server)
				return emit(opts.out, opts.jsonOutput, loginOutput{
					Server:    key,
					Username:  username,
					Status:    res.Status.String(),
					LatencyMS: res.Latency.Milliseconds(),
				}, fmt.Sprintf("Logged in to %s as %s", key, username))
			})
		},
	}
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout [server]",
		Short: "Forget the stored credentials for a server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				server, err := serverArg(a, args, 1)
				if err != nil {
					return err
				}
				if err := a.creds.Delete(server); err != nil {
					return err
				}
				a.sessions.Invalidate(server)
				return emit(opts.out, opts.jsonOutput, map[string]string{"server": server}, "Logged out of "+server)
			})
		},
	}
}

type installFlags struct {
	name      string
	platform  string
	mergeInto string
	args      string
	server    string
}

func newInstallCmd(opts *rootOptions) *cobra.Command {
	var f installFlags
	cmd := &cobra.Command{
		Use:   "install <local-id> <remote-id>",
		Short: "Download, verify and install a remote item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				svc, err := a.service(cmd.Context())
				if err != nil {
					return err
				}
				progress := fetch.NewProgress(0)
				wait := func() {}
				if opts.jsonOutput {
					go func() {
						for range progress.Updates() {
						}
					}()
				} else {
					wait = renderProgress(opts.errOut, progress)
				}

				res, err := svc.Install(cmd.Context(), service.InstallRequest{
					LocalItemID:  args[0],
					RemoteItemID: args[1],
					ServerURL:    f.server,
					Game:         host.GameRecord{ID: args[0], Name: f.name, Platform: f.platform},
					MergeInto:    f.mergeInto,
					LaunchArgs:   f.args,
					Progress:     progress,
				})
				wait()
				if err != nil {
					return err
				}
				st := res.State
				return emit(opts.out, opts.jsonOutput, st,
					fmt.Sprintf("Installed %s (%s) at %s", st.LocalItemID, st.InstallType, st.InstalledPath))
			})
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "display name used for the install directory")
	cmd.Flags().StringVar(&f.platform, "platform", "", "platform name used when the remote platform is not mapped")
	cmd.Flags().StringVar(&f.mergeInto, "merge-into", "", "local id of the parent entry that gets a merged launch entry")
	cmd.Flags().StringVar(&f.args, "args", "", "launch arguments for the merged entry")
	cmd.Flags().StringVar(&f.server, "server", "", "server url (default server.url)")
	return cmd
}

func newUninstallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <local-id>...",
		Short: "Remove installed files and mark items not installed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				svc, err := a.service(cmd.Context())
				if err != nil {
					return err
				}
				var errs []error
				removed := make([]string, 0, len(args))
				for _, id := range args {
					if err := svc.Uninstall(cmd.Context(), id); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
						continue
					}
					removed = append(removed, id)
				}
				if err := emit(opts.out, opts.jsonOutput, map[string][]string{"uninstalled": removed},
					textList("Uninstalled", removed)); err != nil {
					return err
				}
				return errors.Join(errs...)
			})
		},
	}
}

func textList(verb string, ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return verb + " " + strings.Join(ids, ", ")
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <local-id>...",
		Short: "Show the stored install record of items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				svc, err := a.service(cmd.Context())
				if err != nil {
					return err
				}
				records := make([]state.InstallState, 0, len(args))
				for _, id := range args {
					rec, err := svc.GetState(cmd.Context(), id)
					if err != nil {
						return err
					}
					records = append(records, rec)
				}
				return printRecords(opts, records)
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every stored install record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				svc, err := a.service(cmd.Context())
				if err != nil {
					return err
				}
				records, err := svc.List(cmd.Context())
				if err != nil {
					return err
				}
				return printRecords(opts, records)
			})
		},
	}
}

func printRecords(opts *rootOptions, records []state.InstallState) error {
	if opts.jsonOutput {
		return emit(opts.out, true, records, "")
	}
	if len(records) == 0 {
		fmt.Fprintln(opts.out, "No install records.")
		return nil
	}
	tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tREMOTE ID\tINSTALLED\tTYPE\tPATH")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", r.LocalItemID, r.RemoteItemID, r.IsInstalled, r.InstallType, r.InstalledPath)
	}
	return tw.Flush()
}

type validateOutput struct {
	LocalItemID string `json:"local_item_id"`
	Status      string `json:"status"`
	Expected    string `json:"expected,omitempty"`
	Actual      string `json:"actual,omitempty"`
	Path        string `json:"path,omitempty"`
	Message     string `json:"message,omitempty"`
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [local-id...]",
		Short: "Re-hash installed items against their recorded hash",
		Long:  "Validates the given items, or every installed item when none are given.\nExits with status 3 when any item fails validation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				svc, err := a.service(cmd.Context())
				if err != nil {
					return err
				}
				ids := args
				if len(ids) == 0 {
					records, err := svc.List(cmd.Context())
					if err != nil {
						return err
					}
					for _, r := range records {
						if r.IsInstalled {
							ids = append(ids, r.LocalItemID)
						}
					}
				}

				out := make([]validateOutput, 0, len(ids))
				invalid := 0
				var b strings.Builder
				for _, id := range ids {
					res, err := svc.Validate(cmd.Context(), id)
					if err != nil {
						return err
					}
					if res.Status == service.StatusInvalidated {
						invalid++
					}
					out = append(out, validateOutput{
						LocalItemID: id,
						Status:      res.Status.String(),
						Expected:    res.Expected,
						Actual:      res.Actual,
						Path:        res.Path,
						Message:     res.Message,
					})
					fmt.Fprintf(&b, "%-12s %s", res.Status, id)
					if res.Message != "" {
						fmt.Fprintf(&b, ": %s", res.Message)
					}
					b.WriteString("\n")
				}
				if err := emit(opts.out, opts.jsonOutput, out, strings.TrimSuffix(b.String(), "\n")); err != nil {
					return err
				}
				if invalid > 0 {
					return &exitError{code: 3, msg: fmt.Sprintf("%d of %d items failed validation", invalid, len(ids))}
				}
				return nil
			})
		},
	}
}

type reconcileOutput struct {
	Items     []reconcileItemOutput `json:"items"`
	Untracked []string              `json:"untracked"`
}

type reconcileItemOutput struct {
	LocalItemID  string `json:"local_item_id"`
	RemoteItemID string `json:"remote_item_id,omitempty"`
	Status       string `json:"status"`
	Detail       string `json:"detail,omitempty"`
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare install records with the disk and the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				svc, err := a.service(cmd.Context())
				if err != nil {
					return err
				}
				var remote []service.RemoteItem
				if !offline {
					if remote, err = svc.FetchRemote(cmd.Context()); err != nil {
						return err
					}
				}
				report, err := svc.Reconcile(cmd.Context(), remote)
				if err != nil {
					return err
				}

				out := reconcileOutput{Items: make([]reconcileItemOutput, 0, len(report.Items)), Untracked: report.Untracked}
				if out.Untracked == nil {
					out.Untracked = []string{}
				}
				for _, it := range report.Items {
					out.Items = append(out.Items, reconcileItemOutput{
						LocalItemID:  it.LocalItemID,
						RemoteItemID: it.RemoteItemID,
						Status:       it.Status.String(),
						Detail:       it.Detail,
					})
				}
				if opts.jsonOutput {
					if err := emit(opts.out, true, out, ""); err != nil {
						return err
					}
				} else {
					tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "LOCAL ID\tREMOTE ID\tSTATUS\tDETAIL")
					for _, it := range out.Items {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.LocalItemID, it.RemoteItemID, it.Status, it.Detail)
					}
					if err := tw.Flush(); err != nil {
						return err
					}
					if len(out.Untracked) > 0 {
						fmt.Fprintf(opts.out, "\n%d remote items have no install record\n", len(out.Untracked))
					}
				}
				if failed := report.Count(service.ReconcileFailed); failed > 0 {
					return &exitError{code: 1, msg: fmt.Sprintf("%d of %d items could not be reconciled", failed, len(report.Items))}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "only check the disk, skip the server")
	return cmd
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check settings, directories and stored logins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				servers, err := a.creds.Servers()
				if err != nil {
					return err
				}
				checks := config.CheckDirs(a.cfg)
				var secrets []config.SecretFinding
				if data, err := os.ReadFile(a.configPath); err == nil {
					secrets = config.ScanSecrets(string(data))
				}

				if opts.jsonOutput {
					type dir struct {
						Name   string `json:"name"`
						Path   string `json:"path"`
						Status string `json:"status"`
					}
					dirs := make([]dir, 0, len(checks))
					for _, c := range checks {
						dirs = append(dirs, dir{c.Name, c.Path, c.Status.String()})
					}
					return emit(opts.out, true, map[string]any{
						"settings":   a.configPath,
						"user_agent": a.userAgent,
						"server":     a.cfg.Server.URL,
						"logins":     servers,
						"dirs":       dirs,
						"secrets":    len(secrets),
					}, "")
				}

				w := opts.out
				fmt.Fprintf(w, "Settings:   %s\n", a.configPath)
				fmt.Fprintf(w, "User agent: %s\n", a.userAgent)
				server := a.cfg.Server.URL
				if server == "" {
					server = "(not set)"
				}
				fmt.Fprintf(w, "Server:     %s\n", server)
				fmt.Fprintf(w, "Logins:     %d\n", len(servers))
				for _, s := range servers {
					fmt.Fprintf(w, "  %s\n", s)
				}
				fmt.Fprintln(w, "Directories:")
				bad := 0
				for _, c := range checks {
					fmt.Fprintf(w, "  %s %-20s %s (%s)\n", c.Status.Symbol(), c.Name, c.Path, c.Status)
					if !c.Status.OK() {
						bad++
					}
				}
				if w := config.FormatSecretWarning(a.configPath, secrets); w != "" {
					fmt.Fprint(opts.errOut, "\n"+w)
				}
				if bad > 0 {
					return &exitError{code: 1, msg: fmt.Sprintf("%d directories are unusable", bad)}
				}
				return nil
			})
		},
	}
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(opts.out, opts.jsonOutput,
				map[string]string{"version": Version, "commit": Commit},
				fmt.Sprintf("rombox %s (%s)", Version, Commit))
		},
	}
}
