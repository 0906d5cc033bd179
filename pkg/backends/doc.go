// Package backends holds the concrete backends of the panel.
//
// Every backend turns one resource kind into shell statements through the
// engine.Backend lifecycle. Files are written only when their content
// changes, and a change touches a batch flag so that the commit phase
// reloads services only when needed. Backends sharing a service (php and
// apache2 share apache2, mailman and mailman-virtualdomain share postfix)
// coordinate through engine.SharedService so that the service is reloaded
// once per batch.
package backends
