// Package blueprints implements the blueprint types served by blueprintd.
//
// A catalog entry names a kind and declares operation plans. The kind supplies
// the capability map the plans refer to:
//
//   - k8s: a Kubernetes cluster. Reserves an address range for its nodes,
//     asks the VIM executor for VMs, assigns node addresses once the VMs are
//     confirmed and grows the range on scale-out.
//   - vrouter: a virtual router VNF. Reserves one management address, waits
//     for the VM and pushes rendered router configuration over SSH.
//   - scripted: every handler is a Starlark function of the type's script.
//
// Types is the engine.Factory over a catalog and is swapped atomically when
// the catalog reloads. LocalExecutor is an in-process VIM executor that
// confirms jobs through engine.Registry.Resume.
package blueprints
