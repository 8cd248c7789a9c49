package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobqueue/pkg/models"
)

// ExpiredError is recorded on jobs canceled by the TTL sweeper.
const ExpiredError = "expired: ttl elapsed before execution"

// MemoryRepository is an in-process Repository. Values are copied on the
// way in and out, so callers never share state with the store.
type MemoryRepository struct {
	mu sync.Mutex

	interfaces         map[string]*models.InterfaceMaster
	taskMasters        map[string]*models.TaskMaster
	taskMasterVersions map[string][]*models.TaskMasterVersion
	associations       map[string][]*models.TaskMasterInterface
	jobMasters         map[string]*models.JobMaster
	links              map[string][]*models.JobMasterTask
	jobMasterVersions  map[string][]*models.JobMasterVersion
	jobs               map[string]*models.Job
	tasks              map[string][]*models.Task

	now func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		interfaces:         map[string]*models.InterfaceMaster{},
		taskMasters:        map[string]*models.TaskMaster{},
		taskMasterVersions: map[string][]*models.TaskMasterVersion{},
		associations:       map[string][]*models.TaskMasterInterface{},
		jobMasters:         map[string]*models.JobMaster{},
		links:              map[string][]*models.JobMasterTask{},
		jobMasterVersions:  map[string][]*models.JobMasterVersion{},
		jobs:               map[string]*models.Job{},
		tasks:              map[string][]*models.Task{},
		now:                func() time.Time { return time.Now().UTC() },
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("clone %T: %v", v, err))
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("clone %T: %v", v, err))
	}
	return out
}

func page[T any](items []T, p models.Page) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + defaultLimit(p.Limit)
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

// Interface masters

func (r *MemoryRepository) CreateInterfaceMaster(ctx context.Context, im *models.InterfaceMaster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.interfaces[im.ID]; ok {
		return fmt.Errorf("%w: interface master %s", ErrDuplicate, im.ID)
	}
	now := r.now()
	im.CreatedAt, im.UpdatedAt = now, now
	r.interfaces[im.ID] = clone(im)
	return nil
}

func (r *MemoryRepository) GetInterfaceMaster(ctx context.Context, id string) (*models.InterfaceMaster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	im, ok := r.interfaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(im), nil
}

func (r *MemoryRepository) ListInterfaceMasters(ctx context.Context, p models.Page) ([]*models.InterfaceMaster, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*models.InterfaceMaster
	for _, im := range r.interfaces {
		if p.ActiveOnly && !im.IsActive {
			continue
		}
		all = append(all, im)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	var out []*models.InterfaceMaster
	for _, im := range page(all, p) {
		out = append(out, clone(im))
	}
	return out, len(all), nil
}

func (r *MemoryRepository) UpdateInterfaceMaster(ctx context.Context, im *models.InterfaceMaster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.interfaces[im.ID]
	if !ok {
		return ErrNotFound
	}
	im.CreatedAt = cur.CreatedAt
	im.UpdatedAt = r.now()
	r.interfaces[im.ID] = clone(im)
	return nil
}

// Task masters

func (r *MemoryRepository) CreateTaskMaster(ctx context.Context, tm *models.TaskMaster, reason string) (*models.TaskMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.taskMasters[tm.ID]; ok {
		return nil, fmt.Errorf("%w: task master %s", ErrDuplicate, tm.ID)
	}
	now := r.now()
	tm.CurrentVersion = 1
	tm.CreatedAt, tm.UpdatedAt = now, now
	if tm.UpdatedBy == "" {
		tm.UpdatedBy = tm.CreatedBy
	}
	v := clone(taskMasterSnapshot(tm, reason, tm.CreatedBy, now))
	r.taskMasters[tm.ID] = clone(tm)
	r.taskMasterVersions[tm.ID] = []*models.TaskMasterVersion{v}
	return clone(v), nil
}

func (r *MemoryRepository) GetTaskMaster(ctx context.Context, id string) (*models.TaskMaster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tm, ok := r.taskMasters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(tm), nil
}

func (r *MemoryRepository) ListTaskMasters(ctx context.Context, p models.Page) ([]*models.TaskMaster, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*models.TaskMaster
	for _, tm := range r.taskMasters {
		if p.ActiveOnly && !tm.IsActive {
			continue
		}
		all = append(all, tm)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	var out []*models.TaskMaster
	for _, tm := range page(all, p) {
		out = append(out, clone(tm))
	}
	return out, len(all), nil
}

func (r *MemoryRepository) UpdateTaskMaster(ctx context.Context, tm *models.TaskMaster, reason string) (*models.TaskMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.taskMasters[tm.ID]
	if !ok {
		return nil, ErrNotFound
	}
	now := r.now()
	next := clone(cur)
	next.TaskMasterSpec = tm.TaskMasterSpec
	next.CurrentVersion = cur.CurrentVersion + 1
	next.UpdatedBy = tm.UpdatedBy
	next.UpdatedAt = now
	v := clone(taskMasterSnapshot(next, reason, tm.UpdatedBy, now))
	r.taskMasters[tm.ID] = clone(next)
	r.taskMasterVersions[tm.ID] = append(r.taskMasterVersions[tm.ID], v)
	*tm = *next
	return clone(v), nil
}

func (r *MemoryRepository) SetTaskMasterActive(ctx context.Context, id string, active bool, by string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tm, ok := r.taskMasters[id]
	if !ok {
		return ErrNotFound
	}
	tm.IsActive = active
	tm.UpdatedBy = by
	tm.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) GetTaskMasterVersion(ctx context.Context, id string, version int) (*models.TaskMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.taskMasterVersions[id] {
		if v.Version == version {
			return clone(v), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListTaskMasterVersions(ctx context.Context, id string) ([]*models.TaskMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.taskMasters[id]; !ok {
		return nil, ErrNotFound
	}
	versions := r.taskMasterVersions[id]
	out := make([]*models.TaskMasterVersion, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, clone(versions[i]))
	}
	return out, nil
}

// Task master interface associations

func (r *MemoryRepository) AddTaskMasterInterface(ctx context.Context, a *models.TaskMasterInterface) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.associations[a.TaskMasterID] {
		if existing.InterfaceMasterID == a.InterfaceMasterID {
			return ErrDuplicateInterface
		}
	}
	a.CreatedAt = r.now()
	r.associations[a.TaskMasterID] = append(r.associations[a.TaskMasterID], clone(a))
	return nil
}

func (r *MemoryRepository) ListTaskMasterInterfaces(ctx context.Context, taskMasterID string) ([]*models.TaskMasterInterface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*models.TaskMasterInterface{}
	for _, a := range r.associations[taskMasterID] {
		out = append(out, clone(a))
	}
	return out, nil
}

func (r *MemoryRepository) RemoveTaskMasterInterface(ctx context.Context, taskMasterID, interfaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.associations[taskMasterID]
	for i, a := range list {
		if a.InterfaceMasterID == interfaceID {
			r.associations[taskMasterID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Job masters

func (r *MemoryRepository) CreateJobMaster(ctx context.Context, jm *models.JobMaster, links []*models.JobMasterTask, pins map[string]int, reason string) (*models.JobMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobMasters[jm.ID]; ok {
		return nil, fmt.Errorf("%w: job master %s", ErrDuplicate, jm.ID)
	}
	if err := checkLinks(links); err != nil {
		return nil, err
	}
	now := r.now()
	jm.CurrentVersion = 1
	jm.CreatedAt, jm.UpdatedAt = now, now
	if jm.UpdatedBy == "" {
		jm.UpdatedBy = jm.CreatedBy
	}
	stored := make([]*models.JobMasterTask, 0, len(links))
	for _, l := range links {
		l.JobMasterID = jm.ID
		l.CreatedAt, l.UpdatedAt = now, now
		stored = append(stored, clone(l))
	}
	chain, err := chainEntries(stored, pinned(pins, r.currentTaskMasterVersion))
	if err != nil {
		return nil, err
	}
	v := clone(jobMasterSnapshot(jm, chain, reason, jm.CreatedBy, now))
	r.jobMasters[jm.ID] = clone(jm)
	r.links[jm.ID] = stored
	r.jobMasterVersions[jm.ID] = []*models.JobMasterVersion{v}
	return clone(v), nil
}

func (r *MemoryRepository) currentTaskMasterVersion(id string) (int, error) {
	tm, ok := r.taskMasters[id]
	if !ok {
		return 0, fmt.Errorf("task master %s: %w", id, ErrNotFound)
	}
	return tm.CurrentVersion, nil
}

func checkLinks(links []*models.JobMasterTask) error {
	orders := map[int]bool{}
	masters := map[string]bool{}
	for _, l := range links {
		if orders[l.Order] {
			return ErrOrderTaken
		}
		if masters[l.TaskMasterID] {
			return ErrDuplicateLink
		}
		orders[l.Order] = true
		masters[l.TaskMasterID] = true
	}
	return nil
}

func (r *MemoryRepository) GetJobMaster(ctx context.Context, id string) (*models.JobMaster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jm, ok := r.jobMasters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(jm), nil
}

func (r *MemoryRepository) ListJobMasters(ctx context.Context, p models.Page) ([]*models.JobMaster, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*models.JobMaster
	for _, jm := range r.jobMasters {
		if p.ActiveOnly && !jm.IsActive {
			continue
		}
		all = append(all, jm)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	var out []*models.JobMaster
	for _, jm := range page(all, p) {
		out = append(out, clone(jm))
	}
	return out, len(all), nil
}

func (r *MemoryRepository) UpdateJobMaster(ctx context.Context, jm *models.JobMaster, reason string) (*models.JobMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobMasters[jm.ID]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(cur)
	next.JobMasterSpec = jm.JobMasterSpec
	v, err := r.snapshotLocked(next, reason, jm.UpdatedBy)
	if err != nil {
		return nil, err
	}
	*jm = *clone(r.jobMasters[jm.ID])
	return v, nil
}

// snapshotLocked stores jm as the next version of itself. r.mu must be held.
func (r *MemoryRepository) snapshotLocked(jm *models.JobMaster, reason, by string) (*models.JobMasterVersion, error) {
	chain, err := chainEntries(r.links[jm.ID], r.currentTaskMasterVersion)
	if err != nil {
		return nil, err
	}
	now := r.now()
	jm.CurrentVersion = r.jobMasters[jm.ID].CurrentVersion + 1
	jm.UpdatedBy = by
	jm.UpdatedAt = now
	v := clone(jobMasterSnapshot(jm, chain, reason, by, now))
	r.jobMasters[jm.ID] = clone(jm)
	r.jobMasterVersions[jm.ID] = append(r.jobMasterVersions[jm.ID], v)
	return clone(v), nil
}

func (r *MemoryRepository) SetJobMasterActive(ctx context.Context, id string, active bool, by string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	jm, ok := r.jobMasters[id]
	if !ok {
		return ErrNotFound
	}
	jm.IsActive = active
	jm.UpdatedBy = by
	jm.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) AddJobMasterTask(ctx context.Context, link *models.JobMasterTask, reason, by string) (*models.JobMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jm, ok := r.jobMasters[link.JobMasterID]
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := r.taskMasters[link.TaskMasterID]; !ok {
		return nil, fmt.Errorf("task master %s: %w", link.TaskMasterID, ErrNotFound)
	}
	if err := checkLinks(append(append([]*models.JobMasterTask(nil), r.links[jm.ID]...), link)); err != nil {
		return nil, err
	}
	now := r.now()
	link.CreatedAt, link.UpdatedAt = now, now
	r.links[jm.ID] = append(r.links[jm.ID], clone(link))
	return r.snapshotLocked(clone(jm), reason, by)
}

func (r *MemoryRepository) UpdateJobMasterTask(ctx context.Context, link *models.JobMasterTask, reason, by string) (*models.JobMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jm, ok := r.jobMasters[link.JobMasterID]
	if !ok {
		return nil, ErrNotFound
	}
	links := r.links[jm.ID]
	idx := -1
	for i, l := range links {
		if l.ID == link.ID {
			idx = i
		}
	}
	if idx < 0 {
		return nil, ErrNotFound
	}
	others := make([]*models.JobMasterTask, 0, len(links))
	for i, l := range links {
		if i != idx {
			others = append(others, l)
		}
	}
	link.TaskMasterID = links[idx].TaskMasterID
	if err := checkLinks(append(others, link)); err != nil {
		return nil, err
	}
	link.CreatedAt = links[idx].CreatedAt
	link.UpdatedAt = r.now()
	links[idx] = clone(link)
	return r.snapshotLocked(clone(jm), reason, by)
}

func (r *MemoryRepository) RemoveJobMasterTask(ctx context.Context, jobMasterID, linkID, reason, by string) (*models.JobMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jm, ok := r.jobMasters[jobMasterID]
	if !ok {
		return nil, ErrNotFound
	}
	links := r.links[jobMasterID]
	for i, l := range links {
		if l.ID == linkID {
			r.links[jobMasterID] = append(links[:i:i], links[i+1:]...)
			return r.snapshotLocked(clone(jm), reason, by)
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) GetJobMasterTask(ctx context.Context, jobMasterID, linkID string) (*models.JobMasterTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.links[jobMasterID] {
		if l.ID == linkID {
			return clone(l), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListJobMasterTasks(ctx context.Context, jobMasterID string) ([]*models.JobMasterTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobMasters[jobMasterID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*models.JobMasterTask, 0, len(r.links[jobMasterID]))
	for _, l := range r.links[jobMasterID] {
		out = append(out, clone(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (r *MemoryRepository) SaveJobMasterVersion(ctx context.Context, jobMasterID, reason, by string) (*models.JobMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jm, ok := r.jobMasters[jobMasterID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.snapshotLocked(clone(jm), reason, by)
}

func (r *MemoryRepository) GetJobMasterVersion(ctx context.Context, id string, version int) (*models.JobMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.jobMasterVersions[id] {
		if v.Version == version {
			return clone(v), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListJobMasterVersions(ctx context.Context, id string) ([]*models.JobMasterVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobMasters[id]; !ok {
		return nil, ErrNotFound
	}
	versions := r.jobMasterVersions[id]
	out := make([]*models.JobMasterVersion, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, clone(versions[i]))
	}
	return out, nil
}

// Jobs

func (r *MemoryRepository) CreateJob(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s", ErrDuplicate, job.ID)
	}
	now := r.now()
	job.CreatedAt, job.UpdatedAt = now, now
	stored := make([]*models.Task, 0, len(tasks))
	for _, t := range tasks {
		t.JobID = job.ID
		t.CreatedAt, t.UpdatedAt = now, now
		stored = append(stored, clone(t))
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Order < stored[j].Order })
	r.jobs[job.ID] = clone(job)
	r.tasks[job.ID] = stored
	return nil
}

func (r *MemoryRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(j), nil
}

func (r *MemoryRepository) ListJobs(ctx context.Context, f models.JobFilter) ([]*models.Job, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*models.Job
	for _, j := range r.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.MasterID != "" && (j.MasterID == nil || *j.MasterID != f.MasterID) {
			continue
		}
		if f.Tag != "" && !hasTag(j.Tags, f.Tag) {
			continue
		}
		all = append(all, j)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	var out []*models.Job
	for _, j := range page(all, models.Page{Limit: f.Limit, Offset: f.Offset}) {
		out = append(out, clone(j))
	}
	return out, len(all), nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tasks := range r.tasks {
		for _, t := range tasks {
			if t.ID == id {
				return clone(t), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*models.Task, 0, len(r.tasks[jobID]))
	for _, t := range r.tasks[jobID] {
		out = append(out, clone(t))
	}
	return out, nil
}

func (r *MemoryRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tasks[task.JobID] {
		if t.ID == task.ID {
			task.UpdatedAt = r.now()
			r.tasks[task.JobID][i] = clone(task)
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) ClaimNextJob(ctx context.Context, now time.Time) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.Job
	for _, j := range r.jobs {
		if !claimable(j, now) {
			continue
		}
		if best == nil || j.Priority < best.Priority ||
			(j.Priority == best.Priority && (j.CreatedAt.Before(best.CreatedAt) ||
				(j.CreatedAt.Equal(best.CreatedAt) && j.ID < best.ID))) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	applyClaim(best, now)
	return clone(best), nil
}

func (r *MemoryRepository) ClaimJob(ctx context.Context, id string, now time.Time, from ...models.JobStatus) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(j.Status, from) {
		return nil, fmt.Errorf("%w: job %s is %s", ErrConflict, id, j.Status)
	}
	applyClaim(j, now)
	return clone(j), nil
}

func (r *MemoryRepository) UpdateJobIf(ctx context.Context, id string, from []models.JobStatus, fn func(*models.Job, []*models.Task) error) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(cur.Status, from) {
		return nil, fmt.Errorf("%w: job %s is %s", ErrConflict, id, cur.Status)
	}
	job := clone(cur)
	tasks := make([]*models.Task, 0, len(r.tasks[id]))
	for _, t := range r.tasks[id] {
		tasks = append(tasks, clone(t))
	}
	if err := fn(job, tasks); err != nil {
		return nil, err
	}
	now := r.now()
	job.UpdatedAt = now
	r.jobs[id] = clone(job)
	for i, t := range tasks {
		t.UpdatedAt = now
		r.tasks[id][i] = clone(t)
	}
	return job, nil
}

func (r *MemoryRepository) ExpireJobs(ctx context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, j := range r.jobs {
		if j.Status != models.JobStatusQueued || !expired(j, now) {
			continue
		}
		j.Status = models.JobStatusCanceled
		j.Error = ExpiredError
		j.FinishedAt = &now
		j.UpdatedAt = now
		for _, t := range r.tasks[id] {
			if t.Status == models.TaskStatusQueued {
				t.Status = models.TaskStatusCanceled
				t.UpdatedAt = now
			}
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
