package jobs

import (
	"fmt"
	"time"

	janus "github.com/maksidze/janus"
	"github.com/maksidze/janus/flash"
	"github.com/maksidze/janus/metrics"
)

// runPipeline drives one admitted job through the stage sequence
// Write → [Verify] → [Expand] → [Resize] → DONE. It runs on its own
// goroutine; every state or progress mutation goes back through the
// manager lock and ends with a job_update publish.
func (m *Manager) runPipeline(jobID string, opts janus.BatchOptions, g *gate, rt *jobRuntime) {
	if err := g.Acquire(rt.ctx); err != nil {
		// Cancelled while QUEUED; CancelJob already published the
		// terminal transition.
		return
	}
	defer g.Release()

	if m.isCancelled(rt) {
		return
	}

	metrics.ActivePipelines.Inc()
	defer metrics.ActivePipelines.Dec()

	m.executePipeline(jobID, opts, rt)
}

func (m *Manager) isCancelled(rt *jobRuntime) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rt.cancelled
}

// transition moves the job into a running stage state, resetting the
// stage progress, and publishes. Returns false when the job is already
// terminal (a cancel won the race).
func (m *Manager) transition(jobID string, state janus.JobState, stage janus.JobStage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := m.updateJobLocked(jobID, func(j *janus.Job) bool {
		if j.State.Terminal() {
			return false
		}
		j.State = state
		j.Stage = stage
		j.Progress = 0
		return true
	})
	if updated == nil {
		return false
	}
	m.publishLocked(updated)
	metrics.JobTransitions.WithLabelValues(string(state)).Inc()
	return true
}

// fail marks the job FAILED with the given error. No-op if terminal.
func (m *Manager) fail(jobID, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := m.updateJobLocked(jobID, func(j *janus.Job) bool {
		if j.State.Terminal() {
			return false
		}
		now := janus.UnixTime(time.Now())
		j.State = janus.StateFailed
		j.Error = msg
		j.FinishedAt = &now
		return true
	})
	if updated != nil {
		m.publishLocked(updated)
		metrics.JobTransitions.WithLabelValues(string(janus.StateFailed)).Inc()
	}
}

// markCancelled performs the CANCELLED transition from within the
// pipeline (the executor noticed the kill signal before CancelJob's
// own transition landed). Terminal guard makes the race harmless.
func (m *Manager) markCancelled(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := m.updateJobLocked(jobID, func(j *janus.Job) bool {
		if j.State.Terminal() {
			return false
		}
		now := janus.UnixTime(time.Now())
		j.State = janus.StateCancelled
		j.FinishedAt = &now
		return true
	})
	if updated != nil {
		m.publishLocked(updated)
		metrics.JobTransitions.WithLabelValues(string(janus.StateCancelled)).Inc()
	}
}

// setWarning appends a non-fatal stage warning and publishes.
func (m *Manager) setWarning(jobID, warning string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := m.updateJobLocked(jobID, func(j *janus.Job) bool {
		if j.State.Terminal() {
			return false
		}
		if j.Warning == "" {
			j.Warning = warning
		} else {
			j.Warning += "; " + warning
		}
		return true
	})
	if updated != nil {
		m.publishLocked(updated)
	}
}

// publishSnapshot re-publishes the current job state (including a fresh
// log tail) without mutating it. Used after eject, which only logs.
func (m *Manager) publishSnapshot(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.getJobLocked(jobID)
	if job == nil {
		return
	}
	m.publishLocked(m.withLogTailLocked(job))
}

// stageUpdater returns the progress callback for one stage. Updates
// from the worker are merged into the job under the manager lock and
// published, which is the channel-based rendering of marshalling
// worker callbacks onto the scheduling loop.
func (m *Manager) stageUpdater(jobID string, stage janus.JobStage) flash.UpdateFunc {
	var lastCopied int64
	return func(u janus.StageUpdate) {
		if u.CopiedBytes > lastCopied {
			metrics.BytesWritten.Add(float64(u.CopiedBytes - lastCopied))
			lastCopied = u.CopiedBytes
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		updated := m.updateJobLocked(jobID, func(j *janus.Job) bool {
			if j.State.Terminal() {
				return false
			}
			j.Stage = stage
			j.ApplyStageUpdate(u)
			return true
		})
		if updated != nil {
			m.publishLocked(updated)
		}
	}
}

func (m *Manager) executePipeline(jobID string, opts janus.BatchOptions, rt *jobRuntime) {
	logf := rt.ring.Append

	m.mu.Lock()
	m.updateJobLocked(jobID, func(j *janus.Job) bool {
		if j.State.Terminal() {
			return false
		}
		now := janus.UnixTime(time.Now())
		j.StartedAt = &now
		return true
	})
	job := m.getJobLocked(jobID)
	m.mu.Unlock()
	if job == nil {
		return
	}
	device := job.DevicePath

	image, err := m.deps.Inventory.FindImage(job.ImageName)
	if err != nil || image == nil {
		m.fail(jobID, fmt.Sprintf("Image '%s' not found", job.ImageName))
		return
	}

	// Best-effort unmount before writing; a mounted partition only
	// matters if dd then fails to open the device.
	if err := m.deps.Inventory.Unmount(rt.ctx, device); err != nil {
		logf(fmt.Sprintf("WARN: unmount: %v", err))
	}

	if !m.transition(jobID, janus.StateWriting, janus.StageWrite) {
		return
	}
	ok := m.deps.Flash.Write(rt.ctx, image.Path, device, m.stageUpdater(jobID, janus.StageWrite), logf, rt.killCh)
	if m.isCancelled(rt) || killed(rt.killCh) {
		m.markCancelled(jobID)
		return
	}
	if !ok {
		m.fail(jobID, "Write failed")
		return
	}

	if opts.Verify {
		if !m.transition(jobID, janus.StateVerifying, janus.StageVerify) {
			return
		}
		ok = m.deps.Flash.Verify(rt.ctx, image.Path, device, m.stageUpdater(jobID, janus.StageVerify), logf, rt.killCh)
		if m.isCancelled(rt) || killed(rt.killCh) {
			m.markCancelled(jobID)
			return
		}
		if !ok {
			m.fail(jobID, "Verification failed")
			return
		}
	}

	if opts.ExpandPartition {
		if killed(rt.killCh) {
			m.markCancelled(jobID)
			return
		}
		if !m.transition(jobID, janus.StateExpanding, janus.StageExpand) {
			return
		}
		if !m.deps.Flash.Expand(rt.ctx, device, m.stageUpdater(jobID, janus.StageExpand), logf, rt.killCh) {
			if m.isCancelled(rt) || killed(rt.killCh) {
				m.markCancelled(jobID)
				return
			}
			m.setWarning(jobID, "Expand partition failed (non-fatal)")
			logf("WARN: expand failed, continuing")
		}
	}

	if opts.ResizeFilesystem {
		if killed(rt.killCh) {
			m.markCancelled(jobID)
			return
		}
		if !m.transition(jobID, janus.StateResizing, janus.StageResize) {
			return
		}
		if !m.deps.Flash.Resize(rt.ctx, device, m.stageUpdater(jobID, janus.StageResize), logf, rt.killCh) {
			if m.isCancelled(rt) || killed(rt.killCh) {
				m.markCancelled(jobID)
				return
			}
			m.setWarning(jobID, "Resize failed (non-fatal)")
			logf("WARN: resize failed, continuing")
		}
	}

	m.mu.Lock()
	updated := m.updateJobLocked(jobID, func(j *janus.Job) bool {
		if j.State.Terminal() {
			return false
		}
		now := janus.UnixTime(time.Now())
		j.State = janus.StateDone
		j.Progress = 1.0
		j.FinishedAt = &now
		return true
	})
	if updated != nil {
		m.publishLocked(updated)
		metrics.JobTransitions.WithLabelValues(string(janus.StateDone)).Inc()
	}
	m.mu.Unlock()
	if updated == nil {
		return
	}

	if opts.EjectAfterDone {
		if err := m.deps.Inventory.Eject(rt.ctx, device); err != nil {
			logf(fmt.Sprintf("WARN: eject: %v", err))
		} else {
			logf("Ejected successfully")
		}
		m.publishSnapshot(jobID)
	}
}

// killed reports whether the kill channel has fired.
func killed(killCh <-chan struct{}) bool {
	select {
	case <-killCh:
		return true
	default:
		return false
	}
}
