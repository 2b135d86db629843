package jobs

import (
	"sync"
	"sync/atomic"
	"time"
)

// Audio is an uploaded clip
type Audio struct {
	Filename string
	Data     []byte
}

// job is the live record of one submission. The owning worker writes it;
// pollers read the current snapshot with a single atomic load.
type job struct {
	current  atomic.Pointer[Snapshot]
	canceled atomic.Bool

	audioMu sync.Mutex
	audio   *Audio // nil once released
}

func newJob(snap *Snapshot, a Audio) *job {
	j := &job{audio: &a}
	j.current.Store(snap)
	return j
}

func (j *job) snapshot() *Snapshot {
	return j.current.Load()
}

// update applies fn to a copy of the current snapshot and publishes it with
// compare-and-set, retrying when another writer got in first. It gives up,
// returning false, once the job is terminal, when fn declines, or when the
// change would move the state backwards. Progress never decreases.
func (j *job) update(now time.Time, fn func(s *Snapshot) bool) bool {
	for {
		old := j.current.Load()
		if old.State.Terminal() {
			return false
		}
		next := old.clone()
		if !fn(next) {
			return false
		}
		if next.State != old.State && !canAdvance(old.State, next.State) {
			return false
		}
		if next.Progress < old.Progress {
			next.Progress = old.Progress
		}
		if next.Progress > ProgressComplete {
			next.Progress = ProgressComplete
		}
		next.UpdatedAt = now
		if j.current.CompareAndSwap(old, next) {
			return true
		}
	}
}

// idleSince returns when the job last changed
func (j *job) idleSince() time.Time {
	return j.current.Load().UpdatedAt
}

// clip returns the upload for resubmission
func (j *job) clip() (Audio, bool) {
	j.audioMu.Lock()
	defer j.audioMu.Unlock()
	if j.audio == nil {
		return Audio{}, false
	}
	return *j.audio, true
}

func (j *job) releaseAudio() {
	j.audioMu.Lock()
	j.audio = nil
	j.audioMu.Unlock()
}
