// Package policy provides Open Policy Agent (OPA) admission checks for
// panel operations.
//
// Every planned operation is turned into an input document and evaluated
// against each enabled Rego policy:
//
//	{
//	  "action":     "save",
//	  "kind":       "webapp",
//	  "key":        "webapp/acme/blog",
//	  "account":    "acme",
//	  "attributes": {...},
//	  "limits":     {"max_processes": 10, "max_timeout": 300}
//	}
//
// A policy contributes violations through a deny set. Entries are either
// strings or objects with message, severity and resource fields:
//
//	# Accounts may not run more than 4 PHP processes per app.
//	# severity: error
//	# kinds: webapp
//	# actions: save
//	package site.policies.quota
//
//	import rego.v1
//
//	deny contains msg if {
//		input.kind == "webapp"
//		input.attributes.options.processes > 4
//		msg := "too many processes"
//	}
//
// The comment block before the package clause is the file's header: free
// text becomes the description, and the severity, kinds and actions
// directives set the default severity and limit which operations the
// policy sees.
//
// Violations of severity error or critical deny the operation. Engine
// implements engine.Admitter, so a denial is reported as a validation
// error on that resource only.
//
// # Built-in policies
//
//   - php-limits: processes and timeout within the configured limits
//   - database-naming: names match ^[a-z0-9_]+$
//   - list-reserved-names: lists may not take system names
//   - website-ports: websites listen on 80 or 443
//
// User policies are loaded from a directory with Engine.LoadPolicies and
// can be hot-reloaded with WatchEngine, which uses fsnotify.
package policy
