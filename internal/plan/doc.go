// Package plan defines the domain model of the weekend planner's sync core:
// events, pending operations, external-calendar links, and the fingerprint
// function used for cheap equality and de-duplication.
//
// Types in this package are plain values. They carry no behavior beyond
// validation and derivation; ownership and mutation rules live in the store
// and engine packages.
package plan
