// Package engine provides the orchestration core of the hosting panel.
//
// # Overview
//
// A batch of operations (save or delete a resource) flows through four
// steps:
//
//  1. Route - the Router picks the backends and hosts for each resource
//     using Starlark predicates compiled at startup.
//  2. Accumulate - each Backend appends statements to a Script for its
//     Prepare, Save, Delete and Commit calls. Nothing runs yet.
//  3. Execute - the Orchestrator runs every prepare unit, then the resource
//     and commit units of each (backend, host) group.
//  4. Report - a Run records per-resource outcomes, shared actions fired
//     and batch-level errors.
//
// # Scripts
//
// A Script is an ordered list of statements. Literals are shell text run
// by bash on the host; consecutive literals become a single program so
// shell variables persist between them. Calls are Go functions invoked by
// the executor, typically remote HTTP calls. The first failing statement
// stops its unit; statements already applied stay applied.
//
// # Shared services
//
// Several backends may need the same expensive host action, an apache
// reload for example. SharedService renders the statements implementing
// the marker protocol: participants register in Prepare, and the last one
// to Commit performs the action once if any participant changed something.
//
// # Errors
//
// Every error the package produces is an *Error with one of five classes:
// configuration, contention, execution, ledger or validation. Use ClassOf
// or the Is* helpers to branch on them.
package engine
