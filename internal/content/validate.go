package content

import (
	"encoding/json"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/xerrors"
)

// ValidationOptions controls the checks run on a re-read before it is
// published. The zero value accepts any readable file.
type ValidationOptions struct {
	// RequireJSON rejects contents that do not parse as a JSON document.
	RequireJSON bool
}

// ValidateSnapshot returns nil if snap may be published under opts.
func ValidateSnapshot(snap *Snapshot, opts ValidationOptions) error {
	if snap == nil {
		return xerrors.New("validate: snapshot is nil")
	}
	if opts.RequireJSON && !json.Valid(snap.Data) {
		return xerrors.Newf("validate: %s is not valid JSON (%d bytes)", snap.Meta.Path, len(snap.Data))
	}
	return nil
}
