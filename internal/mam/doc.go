// Package mam holds the tracker adapter and the candidate source that turns a
// search spec into a finite stream of candidate torrents.
//
// The Tracker interface is the narrow surface the loops consume; Client is
// its HTTP implementation. Source pages through results lazily, stopping at
// the spec's page budget or the first empty page, and applies the coarse
// filters that need no extra I/O. For a fixed upstream state and spec the
// stream order is deterministic.
package mam
