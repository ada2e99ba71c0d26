package qbit

import (
	"path/filepath"
	"sort"
	"strings"

	"mlm/internal/config"
)

// Torrent is one row from the client's torrent list.
type Torrent struct {
	Hash     string
	Name     string
	Category string
	Tags     []string
	State    string
	Progress float64
	SavePath string
}

// Completed reports whether the client has all pieces for the torrent.
func (t *Torrent) Completed() bool {
	return t.Progress >= 1.0
}

// HasTag reports whether the torrent carries the given client tag.
func (t *Torrent) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// TorrentFile is one file within a torrent, relative to the save path.
type TorrentFile struct {
	Name string
	Size int64
}

// AddOptions configures a torrent handed to the client.
type AddOptions struct {
	Category string
	Tags     []string
	Paused   bool
}

// Instance pairs a client with the configuration that owns it.
type Instance struct {
	Config config.QbitInstance
	Client Client
}

// MapPath translates a client-reported save path through the instance's
// path mapping. The longest matching prefix wins.
func (i *Instance) MapPath(savePath string) string {
	if len(i.Config.PathMapping) == 0 {
		return savePath
	}
	prefixes := make([]string, 0, len(i.Config.PathMapping))
	for from := range i.Config.PathMapping {
		prefixes = append(prefixes, from)
	}
	sort.Slice(prefixes, func(a, b int) bool { return len(prefixes[a]) > len(prefixes[b]) })

	cleaned := filepath.Clean(savePath)
	for _, from := range prefixes {
		fromClean := filepath.Clean(from)
		if cleaned == fromClean {
			return filepath.Clean(i.Config.PathMapping[from])
		}
		if strings.HasPrefix(cleaned, fromClean+string(filepath.Separator)) {
			rest := strings.TrimPrefix(cleaned, fromClean)
			return filepath.Join(i.Config.PathMapping[from], rest)
		}
	}
	return savePath
}
