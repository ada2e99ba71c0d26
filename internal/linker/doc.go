// Package linker materializes a canonical library layout from completed
// torrents.
//
// Each tick routes torrents through the first matching library rule, selects
// at most one audio and one ebook suffix by preference order, flattens disc
// subdirectories, and hardlinks (or copies/symlinks per rule) the chosen
// files into <library_dir>/<Author>/[<Series>/]<Leaf>/ alongside a
// metadata.json sidecar. Linking is idempotent: intact trees are left alone.
// Freshly linked torrents are handed to the cleaner so format upgrades retire
// their predecessors immediately.
package linker
