package artifact

import (
	"os"
	"time"
)

// State is the lifecycle stage of a file produced by a job.
type State int

const (
	Growing State = iota
	Stable
	Consumed
	Deleted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "growing"
	case Stable:
		return "stable"
	case Consumed:
		return "consumed"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Artifact is a snapshot of a file on local storage.
type Artifact struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	State   State     `json:"state"`
}

// Exists reports whether the artifact was present when it was observed.
func (a Artifact) Exists() bool {
	return !a.ModTime.IsZero()
}

func stat(path string) (os.FileInfo, bool) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return nil, false
	}
	return fi, true
}
