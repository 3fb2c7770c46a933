// Package main implements scaffoldctl, a command-line client for the
// scaffoldd task API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/scaffoldd/internal/identity"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	server  string
	timeout time.Duration
	out     io.Writer

	// defaultUser backs every --user flag that sends an identity.
	defaultUser string
}

func (o *options) client() *client { return newClient(o.server, o.timeout) }

// print writes a result's data as indented JSON.
func (o *options) print(res *result) error {
	if len(res.Data) == 0 {
		fmt.Fprintln(o.out, "ok")
		return nil
	}
	var v any
	if err := json.Unmarshal(res.Data, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	o := &options{out: os.Stdout, defaultUser: identity.DefaultUserID(".")}
	root := &cobra.Command{
		Use:   "scaffoldctl",
		Short: "CLI for the scaffoldd task API",
		Long: `scaffoldctl creates, runs and inspects scaffolding tasks on a scaffoldd
daemon, and streams their events.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			o.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVar(&o.server, "server", "http://localhost:9191", "scaffoldd server URL")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		healthCmd(o),
		createCmd(o),
		listCmd(o),
		simpleCmd(o, "status", "Show a task's status", http.MethodGet, ""),
		simpleCmd(o, "summary", "Show a task's summary and recent conversation", http.MethodGet, "/summary"),
		simpleCmd(o, "pause", "Pause a task", http.MethodPost, "/pause"),
		simpleCmd(o, "resume", "Resume a paused task", http.MethodPost, "/resume"),
		simpleCmd(o, "complete", "Mark a task completed and render its report", http.MethodPost, "/complete"),
		simpleCmd(o, "delete", "Delete a task and everything it produced", http.MethodDelete, ""),
		executeCmd(o),
		askCmd(o),
		modifyCmd(o),
		downloadCmd(o),
		statsCmd(o),
		cleanupCmd(o),
		eventsCmd(o),
	)
	return root
}

func healthCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check scaffoldd health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, o.server+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := (&http.Client{Timeout: o.timeout}).Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to scaffoldd at %s: %w", o.server, err)
			}
			defer resp.Body.Close()
			var health struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server unhealthy: HTTP %d", resp.StatusCode)
			}
			fmt.Fprintf(o.out, "Status: %s\n", health.Status)
			return nil
		},
	}
}

func createCmd(o *options) *cobra.Command {
	var (
		description, projectType, userID, prompt string
		keepAlive, noTests, noServer, noReport   bool
		maxTime                                  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a persistent task",
		Example: `  scaffoldctl create todo-app --type frontend --prompt "A React todo app with filters"
  scaffoldctl create api --type backend --keep-alive --max-time 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{}
			if cmd.Flags().Changed("keep-alive") {
				opts["keepAlive"] = keepAlive
			}
			if noTests {
				opts["autoRunTests"] = false
			}
			if noServer {
				opts["autoStartServer"] = false
			}
			if noReport {
				opts["generateReport"] = false
			}
			if maxTime > 0 {
				opts["maxExecutionTime"] = maxTime.Milliseconds()
			}
			body := map[string]any{
				"name":          args[0],
				"description":   description,
				"projectType":   projectType,
				"userId":        userID,
				"initialPrompt": prompt,
			}
			if len(opts) > 0 {
				body["options"] = opts
			}
			res, err := o.client().do(cmd.Context(), http.MethodPost, "/api/v1/tasks", body)
			if err != nil {
				return err
			}
			return o.print(res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&description, "description", "", "task description")
	f.StringVar(&projectType, "type", "frontend", "project type (frontend, backend, ...)")
	f.StringVar(&userID, "user", o.defaultUser, "owning user id")
	f.StringVar(&prompt, "prompt", "", "initial prompt describing the project")
	f.BoolVar(&keepAlive, "keep-alive", false, "keep the dev server running after a successful run")
	f.BoolVar(&noTests, "no-tests", false, "skip the test step")
	f.BoolVar(&noServer, "no-server", false, "do not start the dev server")
	f.BoolVar(&noReport, "no-report", false, "do not render a report")
	f.DurationVar(&maxTime, "max-time", 0, "execution deadline (default 30m)")
	return cmd
}

func listCmd(o *options) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/tasks"
			if userID != "" {
				path += "?user_id=" + userID
			}
			res, err := o.client().do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return o.print(res)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only tasks of this user")
	return cmd
}

// simpleCmd builds a command that calls one task endpoint with no body.
func simpleCmd(o *options, use, short, method, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " TASK_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := o.client().do(cmd.Context(), method, "/api/v1/tasks/"+args[0]+suffix, nil)
			if err != nil {
				return err
			}
			return o.print(res)
		},
	}
}

func executeCmd(o *options) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "execute TASK_ID",
		Short: "Run the materialize, validate and report pipeline",
		Long: `Run the pipeline for a task. By default the daemon answers immediately
and the run continues in the background; follow it with "scaffoldctl events".
With --wait the command blocks until the run finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/tasks/" + args[0] + "/execute"
			c := o.client()
			if wait {
				path += "?wait=true"
				c.http.Timeout = 0
			}
			res, err := c.do(cmd.Context(), http.MethodPost, path, nil)
			if res != nil && len(res.Data) > 0 {
				_ = o.print(res)
			}
			if err != nil {
				return err
			}
			if len(res.Data) == 0 {
				fmt.Fprintln(o.out, "ok")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish")
	return cmd
}

func askCmd(o *options) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:     "ask TASK_ID QUESTION",
		Short:   "Ask a question about a task",
		Example: `  scaffoldctl ask 3f2c... "how far along is it?"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.interact(cmd.Context(), args[0], map[string]any{
				"taskId": args[0], "userId": userID, "question": args[1],
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", o.defaultUser, "asking user id")
	return cmd
}

func modifyCmd(o *options) *cobra.Command {
	var userID, typ, priority string
	cmd := &cobra.Command{
		Use:     "modify TASK_ID DESCRIPTION",
		Short:   "Request a change to a task's project",
		Example: `  scaffoldctl modify 3f2c... "add a dark mode toggle" --type add_feature --priority high`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.interact(cmd.Context(), args[0], map[string]any{
				"taskId": args[0], "userId": userID, "type": typ, "description": args[1], "priority": priority,
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&userID, "user", o.defaultUser, "requesting user id")
	f.StringVar(&typ, "type", "add_feature", "add_feature, fix_bug, modify_existing or remove_feature")
	f.StringVar(&priority, "priority", "medium", "low, medium or high")
	return cmd
}

func downloadCmd(o *options) *cobra.Command {
	var (
		userID, format, dir string
		nodeModules         bool
	)
	cmd := &cobra.Command{
		Use:   "download TASK_ID",
		Short: "Package a task's project and fetch the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.client()
			res, err := c.do(cmd.Context(), http.MethodPost, "/api/v1/tasks/"+args[0]+"/interact", map[string]any{
				"taskId": args[0], "userId": userID, "format": format, "includeNodeModules": nodeModules,
			})
			if err != nil {
				return err
			}
			var resp struct {
				Message  string `json:"message"`
				Download *struct {
					ID     string `json:"id"`
					Status string `json:"status"`
					Path   string `json:"path"`
				} `json:"download"`
			}
			if err := json.Unmarshal(res.Data, &resp); err != nil {
				return err
			}
			fmt.Fprintln(o.out, resp.Message)
			if resp.Download == nil || resp.Download.Status != "ready" {
				return fmt.Errorf("download is not ready")
			}
			if format == "folder" || format == "git" {
				fmt.Fprintf(o.out, "Project available on the daemon host at %s\n", resp.Download.Path)
				return nil
			}
			path, err := c.download(cmd.Context(), args[0], resp.Download.ID, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Saved %s\n", path)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&userID, "user", o.defaultUser, "requesting user id")
	f.StringVar(&format, "format", "zip", "zip, tar, git or folder")
	f.StringVar(&dir, "dir", ".", "directory to save the archive in")
	f.BoolVar(&nodeModules, "include-node-modules", false, "include node_modules in the package")
	return cmd
}

func (o *options) interact(ctx context.Context, taskID string, body map[string]any) error {
	res, err := o.client().do(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/interact", body)
	if err != nil {
		return err
	}
	var resp struct {
		Message        string `json:"message"`
		ModificationID string `json:"modificationId"`
	}
	if err := json.Unmarshal(res.Data, &resp); err != nil {
		return err
	}
	fmt.Fprintln(o.out, resp.Message)
	if resp.ModificationID != "" {
		fmt.Fprintf(o.out, "Modification: %s\n", resp.ModificationID)
	}
	return nil
}

func statsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate task statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := o.client().do(cmd.Context(), http.MethodGet, "/api/v1/tasks/stats", nil)
			if err != nil {
				return err
			}
			return o.print(res)
		},
	}
}

func cleanupCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every completed task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := o.client().do(cmd.Context(), http.MethodPost, "/api/v1/tasks/cleanup", nil)
			if err != nil {
				return err
			}
			return o.print(res)
		},
	}
}

func eventsCmd(o *options) *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream task events as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return o.client().stream(ctx, taskID, o.out)
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "only events of this task")
	return cmd
}
