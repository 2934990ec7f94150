// Package apikey issues and verifies long-lived API keys for authenticated
// subjects. Keys carry scopes checked against a configurable allow-list, are
// capped per subject, and are stored as deterministic hashes so a presented
// key can be looked up directly; the raw key is returned exactly once at
// creation. Revocation is a soft delete that keeps the row for auditing
// until the cleanup retention window passes.
package apikey
