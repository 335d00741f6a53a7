package janus

import (
	"time"
)

// JobState is the lifecycle state of a flash job.
//
// The pipeline moves a job through WRITING → VERIFYING → EXPANDING →
// RESIZING depending on the batch options; DONE, FAILED and CANCELLED
// are terminal and never left once entered.
type JobState string

const (
	StateQueued    JobState = "QUEUED"
	StateWriting   JobState = "WRITING"
	StateVerifying JobState = "VERIFYING"
	StateExpanding JobState = "EXPANDING"
	StateResizing  JobState = "RESIZING"
	StateDone      JobState = "DONE"
	StateFailed    JobState = "FAILED"
	StateCancelled JobState = "CANCELLED"
)

// Terminal reports whether the state is a sink (DONE, FAILED, CANCELLED).
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// JobStage names the pipeline stage a job is currently executing.
type JobStage string

const (
	StageWrite  JobStage = "write"
	StageVerify JobStage = "verify"
	StageExpand JobStage = "expand"
	StageResize JobStage = "resize"
)

// UsbHint is the operator-declared USB generation of a port.
type UsbHint string

const (
	Usb2       UsbHint = "2.0"
	Usb3       UsbHint = "3.0"
	UsbUnknown UsbHint = "unknown"
)

// Cell is one slot in the operator grid. It binds a short stable label
// (e.g. "A1") to a physical USB port identifier.
type Cell struct {
	CellID  string  `json:"cell_id"`
	Label   string  `json:"label"`
	PortID  string  `json:"port_id"`
	UsbHint UsbHint `json:"usb_hint"`
	Enabled bool    `json:"enabled"`
}

// Layout is the persisted operator grid. Sparse layouts are allowed:
// len(Cells) does not have to equal Rows*Cols, but cell IDs must be
// unique.
type Layout struct {
	SchemaVersion int    `json:"schema_version"`
	Rows          int    `json:"rows"`
	Cols          int    `json:"cols"`
	CellSize      string `json:"cell_size"` // "compact" | "normal"
	Cells         []Cell `json:"cells"`
}

// Drive is a point-in-time snapshot of one block device. Constructed on
// every inventory call; never cached.
type Drive struct {
	DevicePath  string   `json:"device_path"`
	ByPath      string   `json:"by_path"`
	Model       string   `json:"model"`
	Serial      string   `json:"serial"`
	Vendor      string   `json:"vendor"`
	SizeBytes   int64    `json:"size_bytes"`
	SizeHuman   string   `json:"size_human"`
	Removable   bool     `json:"removable"`
	Mounted     bool     `json:"mounted"`
	Mountpoints []string `json:"mountpoints"`
	UsbSpeed    string   `json:"usb_speed"`
	PortPath    string   `json:"port_path"`
	IsSystem    bool     `json:"is_system"`
}

// Image is a flashable file in the images directory.
type Image struct {
	Name      string  `json:"name"`
	Path      string  `json:"path"`
	SizeBytes int64   `json:"size_bytes"`
	SizeHuman string  `json:"size_human"`
	Mtime     float64 `json:"mtime"`
	ImgType   string  `json:"img_type"` // img / iso / img.xz / img.gz / ...
}

// Port describes a physical USB port and the drive (if any) currently
// attached to it.
type Port struct {
	PortPath     string `json:"port_path"`
	Alias        string `json:"alias"`
	UsbSpeed     string `json:"usb_speed"`
	DevicePath   string `json:"device_path"`
	DeviceModel  string `json:"device_model"`
	DeviceSize   string `json:"device_size"`
	DeviceSerial string `json:"device_serial"`
	DeviceVendor string `json:"device_vendor"`
	Removable    bool   `json:"removable"`
	IsSystem     bool   `json:"is_system"`
	Occupied     bool   `json:"occupied"`
}

// PortEntry is the legacy flat listing of a by-path link and the device
// it currently resolves to.
type PortEntry struct {
	PortPath string `json:"port_path"`
	Device   string `json:"device"`
}

// BatchOptions are the per-batch pipeline toggles.
type BatchOptions struct {
	Verify           bool `json:"verify"`
	ExpandPartition  bool `json:"expand_partition"`
	ResizeFilesystem bool `json:"resize_filesystem"`
	EjectAfterDone   bool `json:"eject_after_done"`
}

// BatchStartRequest is the operator request to flash an image to a set
// of cells.
type BatchStartRequest struct {
	ImageName   string       `json:"image_name"`
	CellIDs     []string     `json:"cell_ids"`
	Options     BatchOptions `json:"options"`
	Concurrency int          `json:"concurrency"`
}

// Batch groups the jobs created by one start request. Retained so that
// retries can recover the options a cell was originally flashed with.
type Batch struct {
	BatchID     string       `json:"batch_id"`
	ImageName   string       `json:"image_name"`
	Options     BatchOptions `json:"options"`
	Concurrency int          `json:"concurrency"`
	CellIDs     []string     `json:"cell_ids"`
	CreatedAt   float64      `json:"created_at"`
}

// Job is the central orchestration record for one device flash.
//
// Invariants maintained by the job manager:
//   - terminal states are sinks; FinishedAt is set iff the state is
//     terminal
//   - Progress is monotonic within a stage and resets to 0 on stage
//     transitions
//   - LogTail holds at most 200 lines, oldest evicted first
type Job struct {
	JobID      string   `json:"job_id"`
	CellID     string   `json:"cell_id"`
	DevicePath string   `json:"device_path"`
	ImageName  string   `json:"image_name"`
	State      JobState `json:"state"`
	Stage      JobStage `json:"stage"`
	Progress   float64  `json:"progress"`
	SpeedBytes float64  `json:"speed_bytes"`
	SpeedHuman string   `json:"speed_human"`
	EtaSec     float64  `json:"eta_sec"`
	EtaHuman   string   `json:"eta_human"`
	StartedAt  *float64 `json:"started_at"`
	FinishedAt *float64 `json:"finished_at"`
	Error      string   `json:"error,omitempty"`
	Warning    string   `json:"warning,omitempty"`
	LogTail    []string `json:"log_tail"`
}

// Clone returns a deep copy safe to hand to the event bus or API layer
// while the manager keeps mutating the original.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		c.FinishedAt = &v
	}
	c.LogTail = append([]string(nil), j.LogTail...)
	return &c
}

// StageUpdate is the progress record reported by a stage executor. The
// executor fills every field it knows; the manager merges the record
// into the job wholesale.
type StageUpdate struct {
	Progress    float64
	CopiedBytes int64
	SpeedBytes  float64
	SpeedHuman  string
	EtaSec      float64
	EtaHuman    string
}

// ApplyStageUpdate merges an executor progress report into the job.
func (j *Job) ApplyStageUpdate(u StageUpdate) {
	j.Progress = u.Progress
	j.SpeedBytes = u.SpeedBytes
	j.SpeedHuman = u.SpeedHuman
	j.EtaSec = u.EtaSec
	j.EtaHuman = u.EtaHuman
}

// UnixTime returns t as fractional seconds since the epoch, the wire
// representation used for started_at / finished_at / created_at.
func UnixTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
