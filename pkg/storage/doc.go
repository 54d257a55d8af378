/*
Package storage persists farm history in an embedded BoltDB file
(renderfarm.db in the farm data directory).

Two buckets are kept: "nodes", keyed by host:port, and "jobs", keyed by job
ID. Values are JSON encoded types.Node and types.JobRecord. Put operations
are upserts.

The store is a record of what the farm saw, not its source of truth: the
farm's registry lives in memory and render progress lives in each job's
working directory.
*/
package storage
