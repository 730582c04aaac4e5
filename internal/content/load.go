package content

import (
	"os"
	"time"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/xerrors"
)

// Load reads path in full and returns an unpublished snapshot of it.
func Load(path string, source Source) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", path)
	}
	var mod time.Time
	if fi, err := os.Stat(path); err == nil {
		mod = fi.ModTime().UTC()
	}
	return &Snapshot{
		Data: data,
		Meta: Meta{
			Path:    path,
			SHA256:  cryptoutil.SHA256Hex(data),
			Size:    len(data),
			ModTime: mod,
			Source:  source,
		},
	}, nil
}
