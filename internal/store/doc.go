// Package store persists tracked torrents, the selection ledger, and the
// append-only event log in SQLite.
//
// The Store manages database connections, schema migrations, and the
// transactional writes the loops depend on: CommitGrab lands a selector
// decision (torrent + ledger + event) atomically, and MarkReplaced both
// records a supersession and clears the old torrent's library state while
// refusing replacement cycles.
//
// A partial unique index keeps (mam_id) unique across live rows so a
// replaced torrent's id can be re-acquired later. Events are never mutated.
package store
