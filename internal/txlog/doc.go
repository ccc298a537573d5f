// Package txlog implements the write-ahead transaction log that keeps
// artifact creations and deletions durable between engine checkpoints.
//
// Every artifact operation is appended to the current VersionedLog: six
// key/value tables, one per Category, that share one version number.
// A checkpoint calls Manager.Snapshot to start writing a new version, and
// once the checkpoint is durable calls SnapshotCleanup.LoseReference so
// older versions become reclaimable, then ReclaimResource.Reclaim to clear
// them. Recovery calls Manager.ReplayLog, which coalesces the versions that
// are not yet covered by a checkpoint into one operation per artifact.
//
// # Persisted layout
//
//	TxMetadata                Latest, ActiveCount, HeldCount (decimal strings)
//	{version}TxSubjects       artifact name -> encoded Operation
//	{version}TxObservers      ...
//
// Metadata invariants, checked after every state change:
//
//	HeldCount >= ActiveCount
//	Latest >= HeldCount
//	ActiveCount >= 1 once initialized
//
// The package never commits a transaction supplied by a caller.
package txlog
