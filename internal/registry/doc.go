// Package registry holds the per-instruction-type definitions supplied by
// feature modules at startup.
//
// Every instruction type has exactly one Entry. Registration is explicit and
// owned by a Registry value, so a test can build an isolated pipeline with a
// fresh registry. Entries are immutable once registered.
//
// Strategy conflicts: each Entry declares the resource-key namespaces
// (KeySpaces) its instructions may touch. Registering an entry whose key
// spaces overlap those of an entry with a different conflict strategy fails,
// so one resource key is never governed by both strategies.
package registry
