// Package content keeps an in-memory copy of the served JSON file in sync
// with the filesystem.
//
// The core components are:
//   - [Cache]: the single shared snapshot, guarded by one RWMutex so readers
//     never observe a half-published update
//   - [Watcher]: subscribes to filesystem notifications for the file and
//     republishes it into the Cache after every successful re-read
//   - [Snapshot]: immutable file contents plus identity metadata
//
// A failed re-read never touches the Cache; the previous contents keep being
// served until the next notification produces a readable file.
package content
