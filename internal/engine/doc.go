// Package engine hosts reactive artifacts on top of the transaction log.
//
// The engine keeps an in-memory registry of live artifacts per category.
// Every create and delete is written to the current log version and
// committed before the registry changes, so the registry can always be
// rebuilt from the last checkpoint plus the log.
//
// # Checkpoint Lifecycle
//
//	Checkpoint
//	  1. Snapshot             new writable version; older ones frozen
//	  2. copy registry        taken while mutations are paused
//	  3. write Checkpoint     table Checkpoint, key State, canonical JSON
//	  4. LoseReference        versions before the snapshot become reclaimable
//	  5. Reclaim              async, sync, or skipped (ReclaimMode)
//
// A crash between 3 and 4 is harmless: the next recovery replays
// operations the checkpoint already contains. Replayed creates of artifacts
// that already exist overwrite them, so DDL replay is at-least-once.
//
// # Recovery
//
//	Recover
//	  1. load Checkpoint      empty registry when none was written
//	  2. ReplayLog            coalesced operations of the active versions
//	  3. apply                Create/DeleteCreate upsert, Delete removes
//
// Invalid replay sequences are resolved by RecoveryPolicy: fail refuses to
// start with an INVALID_REPLAY RuntimeError, skip logs and leaves those
// names as the checkpoint had them.
//
// Mutations are rejected until Recover has succeeded.
package engine
