// Package config loads panel settings and resource manifests.
//
// # Settings
//
// Settings are read from a YAML file on top of DefaultSettings, then
// overridden from PANEL_* environment variables:
//
//	s, err := config.Load("/etc/panel/panel.yaml")
//
// Validate checks field constraints and that every route references a
// configured host and an enabled backend.
//
// # Manifests
//
// Resources are declared in CUE. Every file holds a resources list of
// kind-tagged entries which are unified with the embedded schema, so
// defaults such as the website port are filled in before the entry is
// decoded into its typed resource:
//
//	resources: [
//		{kind: "webapp", name: "blog", account: "acme", type: "php", php_version: "8.2-fpm"},
//		{kind: "website", name: "www", account: "acme", domains: ["example.com"],
//			mounts: [{path: "/", webapp: "blog"}]},
//	]
//
// Problems are collected across all files and reported together as a
// validation error carrying ManifestErrors with file positions.
package config
