package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/blueprintd/blueprintd/pkg/api"
	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/spf13/cobra"
)

func newBlueprintsCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:     "blueprints",
		Aliases: []string{"bp"},
		Short:   "Manage blueprint instances on a running daemon",
		Long: `Create, inspect, operate and destroy blueprint instances.

These commands call the REST API of a running daemon. The address comes from
--server or, when unset, from http.listen in the settings.`,
	}

	cmd.PersistentFlags().StringVar(&server, "server", "", "daemon address (default from settings)")

	client := func() (*apiClient, error) { return newAPIClient(server) }

	cmd.AddCommand(newBlueprintsListCommand(client))
	cmd.AddCommand(newBlueprintsGetCommand(client))
	cmd.AddCommand(newBlueprintsCreateCommand(client))
	cmd.AddCommand(newBlueprintsRunCommand(client))
	cmd.AddCommand(newBlueprintsResumeCommand(client))
	cmd.AddCommand(newBlueprintsDestroyCommand(client))

	return cmd
}

type clientFunc func() (*apiClient, error)

func newBlueprintsListCommand(client clientFunc) *cobra.Command {
	var (
		blueprintType string
		status        string
		labels        []string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Example: `  # All instances
  blueprintd blueprints list

  # Failed routers of one site
  blueprintd blueprints list --type edge-router --status error --label site=lab`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			q := url.Values{}
			if blueprintType != "" {
				q.Set("type", blueprintType)
			}
			if status != "" {
				q.Set("status", status)
			}
			for _, l := range labels {
				q.Add("label", l)
			}
			path := "/v1/blueprints"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var items []engine.ShortSummary
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &items); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(items)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tDETAIL\tOPERATION\tUPDATED")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					it.ID, it.Type, it.Status, dash(it.DetailedStatus), dash(it.CurrentOperation),
					it.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&blueprintType, "type", "", "filter by blueprint type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (idle, processing, error)")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "filter by label key=value (repeatable)")

	return cmd
}

func newBlueprintsGetCommand(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			var detail engine.DetailedSummary
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/blueprints/"+url.PathEscape(args[0]), nil, &detail); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(detail)
			}

			fmt.Printf("ID:          %s\n", detail.ID)
			fmt.Printf("Type:        %s\n", detail.Type)
			fmt.Printf("Status:      %s\n", detail.Status)
			if detail.DetailedStatus != "" {
				fmt.Printf("Detail:      %s\n", detail.DetailedStatus)
			}
			if detail.CurrentOperation != "" {
				fmt.Printf("Operation:   %s\n", detail.CurrentOperation)
			}
			if detail.LastError != "" {
				fmt.Printf("Last error:  %s\n", detail.LastError)
			}
			if detail.Pending != nil {
				fmt.Printf("Waiting for: %s (session %s)\n", detail.Pending.Callback, detail.Pending.Session.ID)
			}
			if len(detail.Labels) > 0 {
				fmt.Printf("Labels:      %s\n", joinLabels(detail.Labels))
			}
			fmt.Printf("Operations:  %s\n", strings.Join(detail.Operations, ", "))
			fmt.Printf("Created:     %s\n", detail.CreatedAt.Local().Format(time.DateTime))
			fmt.Printf("Updated:     %s\n", detail.UpdatedAt.Local().Format(time.DateTime))
			if len(detail.State) > 0 {
				fmt.Printf("State:\n")
				return printJSON(detail.State)
			}
			return nil
		},
	}
}

func newBlueprintsCreateCommand(client clientFunc) *cobra.Command {
	var (
		req     api.CreateRequest
		labels  []string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an instance, optionally running its first operation",
		Example: `  # Create and provision a cluster
  blueprintd blueprints create --type k8s-small --id lab-k8s --operation init

  # Create with labels and a payload
  blueprintd blueprints create --type k8s-small --label site=lab --operation init --payload '{"workers": 3}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if req.Labels, err = parseLabels(labels); err != nil {
				return err
			}
			if req.Payload, err = rawPayload(payload); err != nil {
				return err
			}

			if req.Operation == "" {
				var summary engine.ShortSummary
				if err := c.do(cmd.Context(), http.MethodPost, "/v1/blueprints", req, &summary); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(summary)
				}
				fmt.Printf("✓ Created %s (%s)\n", summary.ID, summary.Type)
				return nil
			}

			var accepted api.Accepted
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/blueprints", req, &accepted); err != nil {
				return err
			}
			return printAccepted(accepted, req.Operation)
		},
	}

	cmd.Flags().StringVar(&req.Type, "type", "", "blueprint type")
	cmd.Flags().StringVar(&req.ID, "id", "", "instance ID (generated when empty)")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "label key=value (repeatable)")
	cmd.Flags().StringVar(&req.Operation, "operation", "", "operation to run after creating")
	cmd.Flags().StringVar(&payload, "payload", "", "operation payload as JSON")
	cmd.Flags().StringVar(&req.CallbackURL, "callback-url", "", "URL notified with the session outcome")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newBlueprintsRunCommand(client clientFunc) *cobra.Command {
	var (
		req     api.OperationRequest
		payload string
	)

	cmd := &cobra.Command{
		Use:   "run <id> <operation>",
		Short: "Queue an operation on an instance",
		Args:  cobra.ExactArgs(2),
		Example: `  # Scale a cluster out
  blueprintd blueprints run lab-k8s scale --payload '{"workers": 4}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			req.Operation = args[1]
			if req.Payload, err = rawPayload(payload); err != nil {
				return err
			}

			var accepted api.Accepted
			path := "/v1/blueprints/" + url.PathEscape(args[0]) + "/operations"
			if err := c.do(cmd.Context(), http.MethodPost, path, req, &accepted); err != nil {
				return err
			}
			return printAccepted(accepted, req.Operation)
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "operation payload as JSON")
	cmd.Flags().StringVar(&req.CallbackURL, "callback-url", "", "URL notified with the session outcome")

	return cmd
}

func newBlueprintsResumeCommand(client clientFunc) *cobra.Command {
	var (
		req     api.CallbackRequest
		payload string
	)

	cmd := &cobra.Command{
		Use:   "resume <id> <session>",
		Short: "Deliver a callback to a waiting session",
		Long: `Deliver a callback to a session that is suspended in its Build list.

Use this to answer on behalf of an external executor, or with --error to
fail the waiting handler.`,
		Args: cobra.ExactArgs(2),
		Example: `  # Confirm VM creation by hand
  blueprintd blueprints resume lab-k8s 6f1c... --callback vim_confirmed --payload '{"vms": {"n1": "vm-1"}}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if req.Payload, err = rawPayload(payload); err != nil {
				return err
			}

			var accepted api.Accepted
			path := "/v1/blueprints/" + url.PathEscape(args[0]) + "/callbacks/" + url.PathEscape(args[1])
			if err := c.do(cmd.Context(), http.MethodPost, path, req, &accepted); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(accepted)
			}
			fmt.Printf("✓ Callback delivered to %s\n", accepted.InstanceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Callback, "callback", "", "callback name the handler waits for")
	cmd.Flags().StringVar(&payload, "payload", "", "callback payload as JSON")
	cmd.Flags().StringVar(&req.Error, "error", "", "fail the waiting handler with this message")

	return cmd
}

func newBlueprintsDestroyCommand(client clientFunc) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "destroy <id>",
		Short: "Destroy an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			path := "/v1/blueprints/" + url.PathEscape(args[0])
			if wait {
				path += "?wait=true"
			}
			if err := c.do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			if wait {
				fmt.Printf("✓ Destroyed %s\n", args[0])
			} else {
				fmt.Printf("✓ Destroy of %s queued\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the instance is removed")

	return cmd
}

func printAccepted(a api.Accepted, operation string) error {
	if jsonOutput {
		return printJSON(a)
	}
	fmt.Printf("✓ Queued %s on %s (session %s)\n", operation, a.InstanceID, a.SessionID)
	return nil
}

func parseLabels(in []string) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for _, l := range in {
		k, v, ok := strings.Cut(l, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("label %q must be key=value", l)
		}
		out[k] = v
	}
	return out, nil
}

func rawPayload(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(s), nil
}

func joinLabels(labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
