// Package config loads blueprintd's configuration.
//
// Two kinds of configuration live here:
//
// Service settings are read with viper from a YAML file (blueprintd.yaml)
// and BLUEPRINTD_ prefixed environment variables, then validated:
//
//	settings, err := config.LoadSettings("/etc/blueprintd/blueprintd.yaml")
//
// The blueprint catalog declares, in CUE, which blueprint types exist and
// the operation plans each supports. Every catalog is unified with the
// built-in #Catalog schema before it is decoded, so malformed handler names,
// callbacks outside Build lists and unknown kinds are reported with file
// positions:
//
//	types: "edge-router": {
//		kind: "vrouter"
//		operations: init: stages: [{
//			build: [{method: "create_vm", callback: "vim_confirmed", timeout: "5m"}]
//			configure: [{method: "push_config"}]
//		}]
//	}
//
// CatalogWatcher re-parses the catalog when files change and only hands on
// catalogs that validate. StarlarkEvaluator runs the scripts of scripted
// blueprint types with a timeout and no access to load().
package config
