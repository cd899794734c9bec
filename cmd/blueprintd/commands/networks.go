package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/blueprintd/blueprintd/pkg/api"
	"github.com/blueprintd/blueprintd/pkg/netres"
	"github.com/spf13/cobra"
)

func newNetworksCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:     "networks",
		Aliases: []string{"net"},
		Short:   "Inspect networks and manage address reservations",
		Long: `Inspect managed networks and reserve or release address ranges.

Reservations made here are owned by the name given with --owner and are
subject to the same admission policies as reservations made by blueprints.
These commands call the REST API of a running daemon.`,
	}

	cmd.PersistentFlags().StringVar(&server, "server", "", "daemon address (default from settings)")

	client := func() (*apiClient, error) { return newAPIClient(server) }

	cmd.AddCommand(newNetworksListCommand(client))
	cmd.AddCommand(newNetworksShowCommand(client))
	cmd.AddCommand(newNetworksReserveCommand(client))
	cmd.AddCommand(newNetworksReleaseCommand(client))

	return cmd
}

func newNetworksListCommand(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List networks with their capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			var nets []netres.NetworkInfo
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/networks", nil, &nets); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(nets)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPOOLS\tRESERVED\tCAPACITY\tRANGES")
			for _, n := range nets {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
					n.Name, poolList(n.Pools), n.Reserved, n.Capacity, len(n.Reservations))
			}
			return w.Flush()
		},
	}
}

func newNetworksShowCommand(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "show <network>",
		Short: "Show the reservations of a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			var n netres.NetworkInfo
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/networks/"+url.PathEscape(args[0]), nil, &n); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(n)
			}

			fmt.Printf("Network:  %s\n", n.Name)
			fmt.Printf("Pools:    %s\n", poolList(n.Pools))
			fmt.Printf("Reserved: %d of %d\n\n", n.Reserved, n.Capacity)
			printRanges(n.Reservations)
			return nil
		},
	}
}

func newNetworksReserveCommand(client clientFunc) *cobra.Command {
	var req api.ReservationRequest

	cmd := &cobra.Command{
		Use:   "reserve <network>",
		Short: "Reserve addresses for an owner",
		Long: `Reserve addresses on a network. The request is satisfied with as few
contiguous ranges as the free space allows, or fails without reserving
anything.`,
		Args: cobra.ExactArgs(1),
		Example: `  # Reserve 8 addresses for a lab team
  blueprintd networks reserve mgmt --owner team-lab --count 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			var ranges []netres.ReservedRange
			path := "/v1/networks/" + url.PathEscape(args[0]) + "/reservations"
			if err := c.do(cmd.Context(), http.MethodPost, path, req, &ranges); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(ranges)
			}
			for _, r := range ranges {
				fmt.Printf("✓ Reserved %s-%s (%d) as %s\n", r.Start, r.End, r.Size(), r.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Owner, "owner", "", "reservation owner")
	cmd.Flags().IntVar(&req.Count, "count", 1, "number of addresses")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func newNetworksReleaseCommand(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "release <network> <range-id>",
		Short: "Release a reserved range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}

			path := "/v1/networks/" + url.PathEscape(args[0]) + "/reservations/" + url.PathEscape(args[1])
			if err := c.do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Printf("✓ Released %s on %s\n", args[1], args[0])
			return nil
		},
	}
}

func printRanges(ranges []netres.ReservedRange) {
	if len(ranges) == 0 {
		fmt.Println("No reservations")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tKIND\tSTART\tEND\tASSIGNED")
	for _, r := range ranges {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			r.ID, r.Owner, r.Kind, r.Start, r.End, r.Assigned, r.Size())
	}
	_ = w.Flush()
}

func poolList(pools []netres.AllocationPool) string {
	parts := make([]string, len(pools))
	for i, p := range pools {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
