package jobs

import (
	"sort"

	memdb "github.com/hashicorp/go-memdb"

	janus "github.com/maksidze/janus"
)

const jobTable = "jobs"

// newJobDB builds the in-memory job table. Jobs are indexed by ID and
// by state, which keeps the retry-all-failed scan cheap and gives
// readers consistent snapshots while pipelines mutate.
func newJobDB() (*memdb.MemDB, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobTable: {
				Name: jobTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "JobID"},
					},
					"state": {
						Name:    "state",
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
		},
	}
	return memdb.NewMemDB(schema)
}

// Records inserted into the table are immutable: every update clones
// the job, mutates the clone and re-inserts it. Readers may therefore
// hold returned pointers without copying.

func (m *Manager) getJobLocked(id string) *janus.Job {
	txn := m.db.Txn(false)
	raw, err := txn.First(jobTable, "id", id)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*janus.Job)
}

func (m *Manager) insertJobLocked(job *janus.Job) {
	txn := m.db.Txn(true)
	if err := txn.Insert(jobTable, job); err != nil {
		txn.Abort()
		m.logger.WithError(err).Error("failed to insert job record")
		return
	}
	txn.Commit()
}

func (m *Manager) deleteJobLocked(job *janus.Job) {
	txn := m.db.Txn(true)
	if err := txn.Delete(jobTable, job); err != nil {
		txn.Abort()
		return
	}
	txn.Commit()
}

func (m *Manager) listJobsLocked() []*janus.Job {
	txn := m.db.Txn(false)
	it, err := txn.Get(jobTable, "id")
	if err != nil {
		return nil
	}
	var jobs []*janus.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		jobs = append(jobs, raw.(*janus.Job))
	}
	// ULID job IDs sort by creation time.
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID < jobs[j].JobID })
	return jobs
}

func (m *Manager) jobsInStateLocked(state janus.JobState) []*janus.Job {
	txn := m.db.Txn(false)
	it, err := txn.Get(jobTable, "state", string(state))
	if err != nil {
		return nil
	}
	var jobs []*janus.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		jobs = append(jobs, raw.(*janus.Job))
	}
	return jobs
}
