package policy

// ReservedListNames are list names owned by the mail system itself.
var ReservedListNames = []string{"mailman", "postmaster", "abuse", "root", "admin", "hostmaster", "webmaster"}

// BuiltinPolicies returns the policies shipped with the panel.
func BuiltinPolicies() []Policy {
	return []Policy{
		phpLimitsPolicy(),
		databaseNamingPolicy(),
		listNamesPolicy(),
		websitePortsPolicy(),
	}
}

// phpLimitsPolicy bounds the PHP process pool options.
func phpLimitsPolicy() Policy {
	return Policy{
		Name:        "php-limits",
		Description: "Bounds PHP processes and request timeout to the configured limits",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Kinds:       []string{"webapp"},
		Actions:     []string{"save"},
		Rego: `package hostpanel.policies.php

import rego.v1

deny contains violation if {
	input.action == "save"
	input.kind == "webapp"
	processes := input.attributes.options.processes
	input.limits.max_processes > 0
	processes > input.limits.max_processes
	violation := {
		"message": sprintf("processes %d exceeds the limit of %d", [processes, input.limits.max_processes]),
		"resource": input.key,
	}
}

deny contains violation if {
	input.action == "save"
	input.kind == "webapp"
	timeout := input.attributes.options.timeout
	input.limits.max_timeout > 0
	timeout > input.limits.max_timeout
	violation := {
		"message": sprintf("timeout %d exceeds the limit of %d seconds", [timeout, input.limits.max_timeout]),
		"resource": input.key,
	}
}`,
	}
}

// databaseNamingPolicy restricts database names to what MySQL accepts
// unquoted.
func databaseNamingPolicy() Policy {
	return Policy{
		Name:        "database-naming",
		Description: "Database names contain only lowercase letters, digits and underscores",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Kinds:       []string{"database"},
		Actions:     []string{"save"},
		Rego: `package hostpanel.policies.database

import rego.v1

deny contains violation if {
	input.action == "save"
	input.kind == "database"
	name := input.attributes.name
	not regex.match("^[a-z0-9_]+$", name)
	violation := {
		"message": sprintf("database name '%s' must match ^[a-z0-9_]+$", [name]),
		"resource": input.key,
	}
}`,
	}
}

// listNamesPolicy keeps accounts from claiming system list names.
func listNamesPolicy() Policy {
	return Policy{
		Name:        "list-reserved-names",
		Description: "Mailing lists may not use names reserved by the mail system",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Kinds:       []string{"list"},
		Actions:     []string{"save"},
		Rego: `package hostpanel.policies.lists

import rego.v1

reserved := {` + regoStrings(ReservedListNames) + `}

deny contains violation if {
	input.action == "save"
	input.kind == "list"
	some name in [input.attributes.name, input.attributes.address_name]
	name in reserved
	violation := {
		"message": sprintf("list name '%s' is reserved", [name]),
		"resource": input.key,
	}
}`,
	}
}

// websitePortsPolicy allows only the ports the web server listens on.
func websitePortsPolicy() Policy {
	return Policy{
		Name:        "website-ports",
		Description: "Websites listen on port 80 or 443",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Kinds:       []string{"website"},
		Actions:     []string{"save"},
		Rego: `package hostpanel.policies.websites

import rego.v1

deny contains violation if {
	input.action == "save"
	input.kind == "website"
	port := input.attributes.port
	not port in {80, 443}
	violation := {
		"message": sprintf("port %d is not served, use 80 or 443", [port]),
		"resource": input.key,
	}
}`,
	}
}

func regoStrings(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += `"` + v + `"`
	}
	return out
}
