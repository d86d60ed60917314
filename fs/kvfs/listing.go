package kvfs

import (
	"slices"

	"github.com/goccy/go-json"
	"tractor.dev/layerfs/fs"
)

// listing maps child names to the keys of their inodes.
type listing map[string]string

func decodeListing(p string, data []byte) (listing, error) {
	l := listing{}
	if len(data) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fs.Errorf(fs.EIO, "readdir", p, "corrupt directory listing: %w", err)
	}
	return l, nil
}

func (l listing) encode() ([]byte, error) {
	return json.Marshal(map[string]string(l))
}

func (l listing) names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
