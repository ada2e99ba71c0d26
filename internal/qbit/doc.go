// Package qbit adapts the qBittorrent Web API v2 into the narrow Client
// surface the loops consume: list, files, add, category, and tags. Delete
// exists for completeness; the cleaner never calls it.
package qbit
