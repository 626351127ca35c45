// Package storage persists the instance inventory and mirrors archived
// records to secondary backends.
//
// # Inventory layout
//
// FileInventory keeps one JSON document per instance under the data
// directory:
//
//	instances/<id>.json              active records
//	evidence/<id>/<seq>-<digest>.json evidence history, append-only
//	archive/<id>.json                records whose resource is gone
//	archive/evidence/<id>/           their evidence history
//	locks/<id>.lock                  cross-process instance locks
//
// Every write goes to a temporary file first and is renamed into place, so
// readers never observe a partial record. Mutations of one instance are
// serialized by an in-process mutex and an flock(2) lock file, which makes
// concurrent cvmctl processes safe.
//
// # Archive backends
//
// Archived records can additionally be mirrored to other locations given as
// URIs:
//
//   - file:///var/backups/cvmctl
//   - s3://bucket/prefix?region=eu-west-1&endpoint=https://minio.local
//   - vault://vault.example.com:8200/secret/cvmctl
//
// Several URIs combine into a MultiArchive that stores to every available
// backend and fetches from the first that has the key.
package storage
