package commands

import (
	"fmt"

	"github.com/blueprintd/blueprintd/pkg/blueprints"
	"github.com/blueprintd/blueprintd/pkg/config"
	"github.com/blueprintd/blueprintd/pkg/netres"
	"github.com/blueprintd/blueprintd/pkg/policy"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type validationReport struct {
	Catalog  string   `json:"catalog"`
	Files    []string `json:"files"`
	Types    []string `json:"types"`
	Errors   []string `json:"errors,omitempty"`
	Topology string   `json:"topology,omitempty"`
	Networks []string `json:"networks,omitempty"`
	Policies []string `json:"policies,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		catalogDir   string
		topologyFile string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the catalog, topology and policies",
		Long: `Validate the blueprint catalog, the network topology and the admission
policies without starting the daemon.

The catalog is checked against the built-in schema, and every handler method
the operations name must be implemented by the type's kind. Scripted types
are loaded so their Starlark functions can be checked too.`,
		Example: `  # Validate what the settings point at
  blueprintd validate

  # Validate a catalog checkout before deploying it
  blueprintd validate --catalog ./catalog --networks ./networks.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := loadSettings()
			if err != nil {
				return err
			}
			if catalogDir != "" {
				s.Catalog.Dir = catalogDir
			}
			if topologyFile != "" {
				s.Networks.File = topologyFile
			}

			log.Info().
				Str("catalog", s.Catalog.Dir).
				Str("topology", s.Networks.File).
				Msg("Validating configuration")

			report := validationReport{Catalog: s.Catalog.Dir}

			catalog, files, err := loadCatalog(ctx, s.Catalog.Dir)
			if err != nil {
				return err
			}
			report.Files = files
			for _, e := range catalog.Errors {
				report.Errors = append(report.Errors, e.String())
			}
			if len(catalog.Errors) == 0 {
				report.Types = catalog.TypeNames()
				_, err := blueprints.NewTypes(catalog, blueprints.Deps{
					Starlark: config.NewStarlarkEvaluator(scriptTimeout, log.Logger),
					Logger:   telemetry.NewNopLogger(),
				})
				if err != nil {
					report.Errors = append(report.Errors, err.Error())
				}
			}

			if s.Networks.File != "" {
				report.Topology = s.Networks.File
				topo, err := netres.LoadTopology(s.Networks.File)
				if err != nil {
					report.Errors = append(report.Errors, err.Error())
				} else {
					// Pool overlaps are only caught by applying the topology.
					reg := netres.NewRegistry(netres.Options{})
					if err := reg.ApplyTopology(ctx, topo); err != nil {
						report.Errors = append(report.Errors, err.Error())
					}
					for _, n := range topo.Networks {
						report.Networks = append(report.Networks, n.Name)
					}
				}
			}

			if s.Policy.Enabled && len(s.Policy.Dirs) > 0 {
				pe, err := policy.NewEngine(log.Logger, policy.Options{MaxReservation: s.Policy.MaxReservation})
				if err != nil {
					return err
				}
				if err := pe.LoadPolicies(ctx, s.Policy.Dirs); err != nil {
					report.Errors = append(report.Errors, err.Error())
				}
				for _, p := range pe.ListPolicies() {
					report.Policies = append(report.Policies, p.Name)
				}
			}

			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				printReport(report)
			}

			if len(report.Errors) > 0 {
				return fmt.Errorf("validation failed with %d error(s)", len(report.Errors))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogDir, "catalog", "", "catalog directory (default from settings)")
	cmd.Flags().StringVar(&topologyFile, "networks", "", "network topology file (default from settings)")

	return cmd
}

func printReport(r validationReport) {
	fmt.Printf("Catalog %s: %d file(s)\n", r.Catalog, len(r.Files))
	for _, t := range r.Types {
		fmt.Printf("  ✓ type %s\n", t)
	}
	if r.Topology != "" {
		fmt.Printf("Topology %s\n", r.Topology)
		for _, n := range r.Networks {
			fmt.Printf("  ✓ network %s\n", n)
		}
	}
	for _, p := range r.Policies {
		fmt.Printf("  ✓ policy %s\n", p)
	}
	if len(r.Errors) == 0 {
		fmt.Printf("\n✅ Configuration is valid\n")
		return
	}
	fmt.Printf("\n❌ %d error(s):\n", len(r.Errors))
	for _, e := range r.Errors {
		fmt.Printf("  - %s\n", e)
	}
}
