package content

import "time"

type Source string

const (
	SourceUnknown Source = "unknown"
	SourceInitial Source = "initial"
	SourceWatch   Source = "watch"
	SourceResync  Source = "resync"
)

type Meta struct {
	Path       string    `json:"path"`
	SHA256     string    `json:"sha256"`
	Size       int       `json:"size"`
	ModTime    time.Time `json:"mod_time,omitempty"`
	Source     Source    `json:"source"`
	Generation uint64    `json:"generation"`
}
