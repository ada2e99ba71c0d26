// Package cleaner enacts supersessions after linking: among live, linked
// torrents sharing an identity key, the best format rank wins (size, then
// age break ties), and every loser has its library files removed, its record
// marked replaced, and its client entry retagged per on_cleaned. Cleaning is
// serialized per identity key; the client-side torrent is never deleted.
package cleaner
