// Package harness executes end-to-end scenarios against the planner
// facade. A scenario is a YAML file describing a sequence of user
// actions, external calendar changes, clock movements and sync passes;
// running it produces a trace plus a snapshot of the final local,
// remote and external state, compared against a golden file.
//
// Scenarios run on in-memory collaborators (remote store and calendar
// provider), a manual clock and a sequential id generator, so every run
// of the same scenario produces byte-identical output.
package harness
