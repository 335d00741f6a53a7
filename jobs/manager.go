// Package jobs implements the orchestration core: it owns the job
// table, admits batches under a concurrency gate, runs the per-device
// pipeline, and publishes every job mutation to the event bus.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"

	janus "github.com/maksidze/janus"
	"github.com/maksidze/janus/flash"
	"github.com/maksidze/janus/metrics"
)

// Inventory is the device/image surface the manager consumes.
type Inventory interface {
	ListDrives(ctx context.Context, removableOnly bool) ([]janus.Drive, error)
	FindImage(name string) (*janus.Image, error)
	Unmount(ctx context.Context, devicePath string) error
	Eject(ctx context.Context, devicePath string) error
}

// Layouts resolves the current operator grid.
type Layouts interface {
	Current() janus.Layout
}

// Flasher runs the pipeline stages. Satisfied by *flash.Runner.
type Flasher interface {
	Write(ctx context.Context, imagePath, device string, onUpdate flash.UpdateFunc, logf flash.LogFunc, killSig <-chan struct{}) bool
	Verify(ctx context.Context, imagePath, device string, onUpdate flash.UpdateFunc, logf flash.LogFunc, killSig <-chan struct{}) bool
	Expand(ctx context.Context, device string, onUpdate flash.UpdateFunc, logf flash.LogFunc, killSig <-chan struct{}) bool
	Resize(ctx context.Context, device string, onUpdate flash.UpdateFunc, logf flash.LogFunc, killSig <-chan struct{}) bool
}

// Publisher is the event-bus surface the manager publishes on.
type Publisher interface {
	Publish(eventType string, payload any)
}

// Dependencies holds the external collaborators of the manager.
type Dependencies struct {
	Bus       Publisher
	Layouts   Layouts
	Inventory Inventory
	Flash     Flasher
	Logger    logrus.FieldLogger
}

// jobRuntime carries the mutable per-job control state that never
// leaves the manager: the cooperative cancel flag, the eager kill
// signal observed by stage executors, the pipeline context and the
// bounded log ring.
type jobRuntime struct {
	killCh    chan struct{}
	killOnce  sync.Once
	cancelled bool
	ring      *logRing
	ctx       context.Context
	stop      context.CancelFunc
}

func (rt *jobRuntime) kill() {
	rt.killOnce.Do(func() { close(rt.killCh) })
}

// Manager owns the job and batch tables and schedules pipelines.
type Manager struct {
	deps   Dependencies
	logger logrus.FieldLogger

	mu       sync.Mutex
	db       *memdb.MemDB
	batches  map[string]*janus.Batch
	runtimes map[string]*jobRuntime
	gate     *gate
}

// New creates a job manager.
func New(deps Dependencies) (*Manager, error) {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	db, err := newJobDB()
	if err != nil {
		return nil, fmt.Errorf("failed to create job table: %w", err)
	}
	return &Manager{
		deps:     deps,
		logger:   deps.Logger.WithField("component", "jobs"),
		db:       db,
		batches:  make(map[string]*janus.Batch),
		runtimes: make(map[string]*jobRuntime),
	}, nil
}

// Shutdown cancels every running pipeline. Used on daemon exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.runtimes {
		rt.kill()
		rt.stop()
	}
}

// ListJobs returns all jobs ordered by creation.
func (m *Manager) ListJobs() []*janus.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.listJobsLocked()
	for i, j := range jobs {
		jobs[i] = m.withLogTailLocked(j)
	}
	return jobs
}

// GetJob returns one job, or nil when absent.
func (m *Manager) GetJob(id string) *janus.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.getJobLocked(id)
	if job == nil {
		return nil
	}
	return m.withLogTailLocked(job)
}

// withLogTailLocked attaches the live log ring snapshot to a job copy.
func (m *Manager) withLogTailLocked(job *janus.Job) *janus.Job {
	rt := m.runtimes[job.JobID]
	if rt == nil {
		return job
	}
	c := job.Clone()
	c.LogTail = rt.ring.Lines()
	return c
}

// StartBatch resolves the requested cells against the layout and the
// current drive inventory, records a job per cell (FAILED immediately
// when the safety check rejects the device) and schedules the admitted
// pipelines under a fresh concurrency gate.
func (m *Manager) StartBatch(ctx context.Context, req janus.BatchStartRequest) ([]*janus.Job, error) {
	layout := m.deps.Layouts.Current()
	cellMap := make(map[string]janus.Cell, len(layout.Cells))
	for _, cell := range layout.Cells {
		cellMap[cell.CellID] = cell
	}

	drives, err := m.deps.Inventory.ListDrives(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("drive inventory failed: %w", err)
	}
	driveByPath := make(map[string]*janus.Drive, len(drives)*2)
	for i := range drives {
		driveByPath[drives[i].DevicePath] = &drives[i]
		if drives[i].ByPath != "" {
			driveByPath[drives[i].ByPath] = &drives[i]
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	batch := &janus.Batch{
		BatchID:     janus.NewBatchID(),
		ImageName:   req.ImageName,
		Options:     req.Options,
		Concurrency: req.Concurrency,
		CellIDs:     req.CellIDs,
		CreatedAt:   janus.UnixTime(time.Now()),
	}
	m.batches[batch.BatchID] = batch
	m.gate = newGate(req.Concurrency, m.logger)
	metrics.BatchesStarted.Inc()

	m.logger.WithFields(logrus.Fields{
		"batch_id":    batch.BatchID,
		"image":       req.ImageName,
		"cells":       len(req.CellIDs),
		"concurrency": req.Concurrency,
	}).Info("starting batch")

	var created []*janus.Job
	for _, cellID := range req.CellIDs {
		cell, ok := cellMap[cellID]
		if !ok || !cell.Enabled {
			m.logger.WithField("cell_id", cellID).Warn("skipping unknown or disabled cell")
			continue
		}

		drive := driveByPath[cell.PortID]
		devicePath := cell.PortID
		if drive != nil {
			devicePath = drive.DevicePath
		}

		job := &janus.Job{
			JobID:      janus.NewJobID(),
			CellID:     cellID,
			DevicePath: devicePath,
			ImageName:  req.ImageName,
			State:      janus.StateQueued,
			Stage:      janus.StageWrite,
			LogTail:    []string{},
		}

		if reason := safetyCheck(drive, devicePath); reason != "" {
			now := janus.UnixTime(time.Now())
			job.State = janus.StateFailed
			job.Error = reason
			job.FinishedAt = &now
			m.insertJobLocked(job)
			m.publishLocked(job)
			metrics.JobTransitions.WithLabelValues(string(janus.StateFailed)).Inc()
			m.logger.WithFields(logrus.Fields{
				"job_id": job.JobID,
				"cell":   cellID,
				"device": devicePath,
			}).Warn(reason)
			created = append(created, job)
			continue
		}

		m.insertJobLocked(job)
		m.scheduleLocked(job.JobID, batch.Options, m.gate)
		created = append(created, job)
	}
	return created, nil
}

// scheduleLocked registers runtime state for a job and launches its
// pipeline goroutine.
func (m *Manager) scheduleLocked(jobID string, opts janus.BatchOptions, g *gate) {
	ctx, stop := context.WithCancel(context.Background())
	rt := &jobRuntime{
		killCh: make(chan struct{}),
		ring:   newLogRing(),
		ctx:    ctx,
		stop:   stop,
	}
	m.runtimes[jobID] = rt
	go m.runPipeline(jobID, opts, g, rt)
}

// safetyCheck returns a rejection reason when the resolved device must
// not be written, or "" when the job may proceed.
func safetyCheck(drive *janus.Drive, devicePath string) string {
	if devicePath == "" {
		return "No device bound to this cell"
	}
	if drive == nil {
		return fmt.Sprintf("Device %s not found / not connected", devicePath)
	}
	if drive.IsSystem {
		return fmt.Sprintf("BLOCKED: %s contains system/root partition", devicePath)
	}
	if !drive.Removable {
		return fmt.Sprintf("BLOCKED: %s is not removable", devicePath)
	}
	return ""
}

// CancelJob cancels a job: no-op on terminal states, otherwise the
// cooperative flag and the kill signal both fire, the pipeline context
// is cancelled and the job transitions to CANCELLED immediately.
func (m *Manager) CancelJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelJobLocked(id)
}

func (m *Manager) cancelJobLocked(id string) bool {
	job := m.getJobLocked(id)
	if job == nil || job.State.Terminal() {
		return false
	}
	if rt := m.runtimes[id]; rt != nil {
		rt.cancelled = true
		rt.kill()
		rt.stop()
	}
	updated := m.updateJobLocked(id, func(j *janus.Job) bool {
		now := janus.UnixTime(time.Now())
		j.State = janus.StateCancelled
		j.FinishedAt = &now
		return true
	})
	if updated != nil {
		m.publishLocked(updated)
		metrics.JobTransitions.WithLabelValues(string(janus.StateCancelled)).Inc()
		m.logger.WithField("job_id", id).Info("job cancelled")
	}
	return true
}

// CancelAll cancels every non-terminal job.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.listJobsLocked() {
		if !job.State.Terminal() {
			m.cancelJobLocked(job.JobID)
		}
	}
}

// RetryJob creates a fresh job on the same cell and device. Only FAILED
// and CANCELLED jobs are retryable; the old record is removed once the
// new job is admitted (the new job's log names its predecessor).
func (m *Manager) RetryJob(ctx context.Context, id string) (*janus.Job, error) {
	m.mu.Lock()
	old := m.getJobLocked(id)
	m.mu.Unlock()
	if old == nil {
		return nil, nil
	}
	if old.State != janus.StateFailed && old.State != janus.StateCancelled {
		return nil, nil
	}

	// Inventory runs outside the lock: the device may have been
	// replugged since the original attempt.
	drives, err := m.deps.Inventory.ListDrives(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("drive inventory failed: %w", err)
	}
	var drive *janus.Drive
	for i := range drives {
		if drives[i].DevicePath == old.DevicePath {
			drive = &drives[i]
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the lock: the job may have been retried or removed
	// while the inventory call ran.
	old = m.getJobLocked(id)
	if old == nil || (old.State != janus.StateFailed && old.State != janus.StateCancelled) {
		return nil, nil
	}

	job := &janus.Job{
		JobID:      janus.NewJobID(),
		CellID:     old.CellID,
		DevicePath: old.DevicePath,
		ImageName:  old.ImageName,
		State:      janus.StateQueued,
		Stage:      janus.StageWrite,
		LogTail:    []string{},
	}

	if reason := safetyCheck(drive, old.DevicePath); reason != "" {
		now := janus.UnixTime(time.Now())
		job.State = janus.StateFailed
		job.Error = reason
		job.FinishedAt = &now
		m.insertJobLocked(job)
		m.publishLocked(job)
		metrics.JobTransitions.WithLabelValues(string(janus.StateFailed)).Inc()
		return job, nil
	}

	m.insertJobLocked(job)
	if stale := m.getJobLocked(id); stale != nil {
		m.deleteJobLocked(stale)
		delete(m.runtimes, id)
	}

	opts := janus.BatchOptions{}
	for _, batch := range m.batches {
		if contains(batch.CellIDs, old.CellID) {
			opts = batch.Options
			break
		}
	}

	if m.gate == nil {
		m.gate = newGate(2, m.logger)
	}
	m.scheduleLocked(job.JobID, opts, m.gate)
	if rt := m.runtimes[job.JobID]; rt != nil {
		rt.ring.Append(fmt.Sprintf("Retry of %s", id))
	}
	m.logger.WithFields(logrus.Fields{
		"job_id":   job.JobID,
		"replaces": id,
		"cell":     job.CellID,
		"device":   job.DevicePath,
	}).Info("job retried")
	return job, nil
}

// RetryAllFailed retries every FAILED job. A no-op (empty result) when
// none exist.
func (m *Manager) RetryAllFailed(ctx context.Context) ([]*janus.Job, error) {
	m.mu.Lock()
	failed := m.jobsInStateLocked(janus.StateFailed)
	m.mu.Unlock()

	var retried []*janus.Job
	for _, job := range failed {
		newJob, err := m.RetryJob(ctx, job.JobID)
		if err != nil {
			return retried, err
		}
		if newJob != nil {
			retried = append(retried, newJob)
		}
	}
	return retried, nil
}

// EjectCell resolves the cell's device and powers it off.
func (m *Manager) EjectCell(ctx context.Context, cellID string) error {
	layout := m.deps.Layouts.Current()
	var cell *janus.Cell
	for i := range layout.Cells {
		if layout.Cells[i].CellID == cellID {
			cell = &layout.Cells[i]
			break
		}
	}
	if cell == nil || cell.PortID == "" {
		return fmt.Errorf("cell not found or no device bound")
	}

	drives, err := m.deps.Inventory.ListDrives(ctx, false)
	if err != nil {
		return fmt.Errorf("drive inventory failed: %w", err)
	}
	for i := range drives {
		if drives[i].DevicePath == cell.PortID || drives[i].ByPath == cell.PortID {
			return m.deps.Inventory.Eject(ctx, drives[i].DevicePath)
		}
	}
	return fmt.Errorf("device not connected")
}

// updateJobLocked clones, mutates and re-inserts a job. The mutator
// must return false to abort (e.g. when the job is already terminal);
// the committed snapshot is returned, or nil.
func (m *Manager) updateJobLocked(id string, fn func(*janus.Job) bool) *janus.Job {
	current := m.getJobLocked(id)
	if current == nil {
		return nil
	}
	job := current.Clone()
	if rt := m.runtimes[id]; rt != nil {
		job.LogTail = rt.ring.Lines()
	}
	if !fn(job) {
		return nil
	}
	m.insertJobLocked(job)
	return job
}

// publishLocked emits a job_update snapshot. Called with the manager
// lock held, which serializes publishes and preserves per-job event
// order.
func (m *Manager) publishLocked(job *janus.Job) {
	m.deps.Bus.Publish("job_update", job)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
