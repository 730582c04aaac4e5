package content

import "time"

// Snapshot is one published version of the file. Data is never modified after
// the snapshot is handed to a Cache, so copies of a Snapshot may share it.
type Snapshot struct {
	Data     []byte
	Meta     Meta
	LoadedAt time.Time
}
