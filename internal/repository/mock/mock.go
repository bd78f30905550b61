package mock

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/repository"
	"github.com/google/uuid"
)

type fileKey struct {
	projectID uuid.UUID
	path      string
}

// Repository is an in-memory mock repository for testing.
// Values are copied in and out so callers never share state with the store.
type Repository struct {
	mu            sync.RWMutex
	projects      map[uuid.UUID]*domain.Project
	files         map[uuid.UUID]*domain.CodeFile
	filesByPath   map[fileKey]uuid.UUID
	conversations map[uuid.UUID]*domain.Conversation
	messages      map[uuid.UUID][]*domain.Message // by conversation
	builds        map[uuid.UUID]*domain.BuildJob
	deployments   map[uuid.UUID]*domain.Deployment
	environments  map[uuid.UUID]*domain.Environment
	models        map[string]*domain.AIModel // provider/model
	prompts       map[uuid.UUID]*domain.SystemPrompt
	sessions      map[uuid.UUID]*domain.ExecutionSession
	logs          map[uuid.UUID][]*domain.ExecutionLog      // by session
	artifacts     map[uuid.UUID][]*domain.ExecutionArtifact // by session
	usage         []*domain.UsageRecord
	closed        bool
}

// New creates a new mock repository.
func New() *Repository {
	return &Repository{
		projects:      make(map[uuid.UUID]*domain.Project),
		files:         make(map[uuid.UUID]*domain.CodeFile),
		filesByPath:   make(map[fileKey]uuid.UUID),
		conversations: make(map[uuid.UUID]*domain.Conversation),
		messages:      make(map[uuid.UUID][]*domain.Message),
		builds:        make(map[uuid.UUID]*domain.BuildJob),
		deployments:   make(map[uuid.UUID]*domain.Deployment),
		environments:  make(map[uuid.UUID]*domain.Environment),
		models:        make(map[string]*domain.AIModel),
		prompts:       make(map[uuid.UUID]*domain.SystemPrompt),
		sessions:      make(map[uuid.UUID]*domain.ExecutionSession),
		logs:          make(map[uuid.UUID][]*domain.ExecutionLog),
		artifacts:     make(map[uuid.UUID][]*domain.ExecutionArtifact),
	}
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

// Projects

func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if project.Status == "" {
		project.Status = domain.ProjectStatusActive
	}
	r.projects[project.ID] = clone(project)
	return nil
}

func (r *Repository) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(p), nil
}

func (r *Repository) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.Project
	for _, p := range r.projects {
		result = append(result, clone(p))
	}
	slices.SortFunc(result, func(a, b *domain.Project) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return result, nil
}

func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[project.ID]; !ok {
		return domain.ErrNotFound
	}
	r.projects[project.ID] = clone(project)
	return nil
}

func (r *Repository) DeleteProject(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[id]; !ok {
		return domain.ErrNotFound
	}
	for fid, f := range r.files {
		if f.ProjectID == id {
			delete(r.filesByPath, fileKey{id, f.Path})
			delete(r.files, fid)
		}
	}
	for cid, c := range r.conversations {
		if c.ProjectID == id {
			delete(r.messages, cid)
			delete(r.conversations, cid)
		}
	}
	for sid, s := range r.sessions {
		if s.ProjectID == id {
			delete(r.logs, sid)
			delete(r.artifacts, sid)
			delete(r.sessions, sid)
		}
	}
	for bid, b := range r.builds {
		if b.ProjectID == id {
			delete(r.builds, bid)
		}
	}
	for did, d := range r.deployments {
		if d.ProjectID == id {
			delete(r.deployments, did)
		}
	}
	for eid, e := range r.environments {
		if e.ProjectID == id {
			delete(r.environments, eid)
		}
	}
	r.usage = slices.DeleteFunc(r.usage, func(u *domain.UsageRecord) bool {
		return u.ProjectID != nil && *u.ProjectID == id
	})
	delete(r.projects, id)
	return nil
}

// Files

func (r *Repository) UpsertFile(ctx context.Context, file *domain.CodeFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if file.Language == "" {
		file.Language = domain.LanguageForPath(file.Path)
	}
	file.Size = len(file.Content)
	file.UpdatedAt = now

	key := fileKey{file.ProjectID, file.Path}
	if id, ok := r.filesByPath[key]; ok {
		existing := r.files[id]
		file.ID = existing.ID
		file.Version = existing.Version + 1
		file.CreatedAt = existing.CreatedAt
	} else {
		if file.ID == uuid.Nil {
			file.ID = uuid.New()
		}
		file.Version = 1
		if file.CreatedAt.IsZero() {
			file.CreatedAt = now
		}
	}
	r.files[file.ID] = clone(file)
	r.filesByPath[key] = file.ID
	return nil
}

func (r *Repository) GetFile(ctx context.Context, id uuid.UUID) (*domain.CodeFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(f), nil
}

func (r *Repository) GetFileByPath(ctx context.Context, projectID uuid.UUID, path string) (*domain.CodeFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.filesByPath[fileKey{projectID, path}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(r.files[id]), nil
}

func (r *Repository) ListFiles(ctx context.Context, projectID uuid.UUID) ([]*domain.CodeFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.CodeFile
	for _, f := range r.files {
		if f.ProjectID == projectID {
			result = append(result, clone(f))
		}
	}
	slices.SortFunc(result, func(a, b *domain.CodeFile) int { return strings.Compare(a.Path, b.Path) })
	return result, nil
}

func (r *Repository) DeleteFile(ctx context.Context, projectID uuid.UUID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fileKey{projectID, path}
	id, ok := r.filesByPath[key]
	if !ok {
		return domain.ErrNotFound
	}
	delete(r.filesByPath, key)
	delete(r.files, id)
	return nil
}

func (r *Repository) RenameFile(ctx context.Context, projectID uuid.UUID, oldPath, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.filesByPath[fileKey{projectID, newPath}]; exists {
		return domain.ErrConflict
	}
	oldKey := fileKey{projectID, oldPath}
	id, ok := r.filesByPath[oldKey]
	if !ok {
		return domain.ErrNotFound
	}
	f := r.files[id]
	f.Path = newPath
	f.Language = domain.LanguageForPath(newPath)
	f.Version++
	f.UpdatedAt = time.Now().UTC()
	delete(r.filesByPath, oldKey)
	r.filesByPath[fileKey{projectID, newPath}] = id
	return nil
}

// Conversations

func (r *Repository) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conv.ID] = clone(conv)
	return nil
}

func (r *Repository) GetConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(c), nil
}

func (r *Repository) ListConversations(ctx context.Context, projectID uuid.UUID) ([]*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.Conversation
	for _, c := range r.conversations {
		if c.ProjectID == projectID {
			result = append(result, clone(c))
		}
	}
	slices.SortFunc(result, func(a, b *domain.Conversation) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return result, nil
}

func (r *Repository) UpdateConversation(ctx context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[conv.ID]; !ok {
		return domain.ErrNotFound
	}
	r.conversations[conv.ID] = clone(conv)
	return nil
}

func (r *Repository) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[id]; !ok {
		return domain.ErrNotFound
	}
	for _, s := range r.sessions {
		if s.ConversationID != nil && *s.ConversationID == id {
			s.ConversationID = nil
		}
	}
	delete(r.messages, id)
	delete(r.conversations, id)
	return nil
}

func (r *Repository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], clone(msg))
	return nil
}

func (r *Repository) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msgs := r.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*domain.Message, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, clone(m))
	}
	return result, nil
}

// Builds

func (r *Repository) CreateBuildJob(ctx context.Context, job *domain.BuildJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds[job.ID] = clone(job)
	return nil
}

func (r *Repository) GetBuildJob(ctx context.Context, id uuid.UUID) (*domain.BuildJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.builds[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(j), nil
}

func (r *Repository) ListBuildJobs(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.BuildJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.BuildJob
	for _, j := range r.builds {
		if j.ProjectID == projectID {
			result = append(result, clone(j))
		}
	}
	slices.SortFunc(result, func(a, b *domain.BuildJob) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *Repository) UpdateBuildJob(ctx context.Context, job *domain.BuildJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builds[job.ID]; !ok {
		return domain.ErrNotFound
	}
	r.builds[job.ID] = clone(job)
	return nil
}

// Deployments

func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments[d.ID] = clone(d)
	return nil
}

func (r *Repository) GetDeployment(ctx context.Context, id uuid.UUID) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(d), nil
}

func (r *Repository) ListDeployments(ctx context.Context, projectID uuid.UUID) ([]*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.Deployment
	for _, d := range r.deployments {
		if d.ProjectID == projectID {
			result = append(result, clone(d))
		}
	}
	slices.SortFunc(result, func(a, b *domain.Deployment) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return result, nil
}

func (r *Repository) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deployments[d.ID]; !ok {
		return domain.ErrNotFound
	}
	r.deployments[d.ID] = clone(d)
	return nil
}

// Environments

func cloneEnv(e *domain.Environment) *domain.Environment {
	c := clone(e)
	c.Variables = maps.Clone(e.Variables)
	if c.Variables == nil {
		c.Variables = map[string]string{}
	}
	return c
}

func (r *Repository) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.environments {
		if e.ProjectID == env.ProjectID && e.Name == env.Name {
			return domain.ErrConflict
		}
	}
	r.environments[env.ID] = cloneEnv(env)
	return nil
}

func (r *Repository) GetEnvironment(ctx context.Context, id uuid.UUID) (*domain.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.environments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneEnv(e), nil
}

func (r *Repository) ListEnvironments(ctx context.Context, projectID uuid.UUID) ([]*domain.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.Environment
	for _, e := range r.environments {
		if e.ProjectID == projectID {
			result = append(result, cloneEnv(e))
		}
	}
	slices.SortFunc(result, func(a, b *domain.Environment) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (r *Repository) UpdateEnvironment(ctx context.Context, env *domain.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.environments[env.ID]; !ok {
		return domain.ErrNotFound
	}
	r.environments[env.ID] = cloneEnv(env)
	return nil
}

func (r *Repository) DeleteEnvironment(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.environments[id]; !ok {
		return domain.ErrNotFound
	}
	for _, d := range r.deployments {
		if d.EnvironmentID != nil && *d.EnvironmentID == id {
			d.EnvironmentID = nil
		}
	}
	delete(r.environments, id)
	return nil
}

// Catalog

func (r *Repository) UpsertAIModel(ctx context.Context, m *domain.AIModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := m.Provider + "/" + m.Model
	if existing, ok := r.models[key]; ok {
		m.ID = existing.ID
	} else if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	r.models[key] = clone(m)
	return nil
}

func (r *Repository) GetAIModel(ctx context.Context, provider, model string) (*domain.AIModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[provider+"/"+model]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(m), nil
}

func (r *Repository) ListAIModels(ctx context.Context) ([]*domain.AIModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := slices.Sorted(maps.Keys(r.models))
	result := make([]*domain.AIModel, 0, len(keys))
	for _, k := range keys {
		result = append(result, clone(r.models[k]))
	}
	return result, nil
}

func (r *Repository) CreateSystemPrompt(ctx context.Context, p *domain.SystemPrompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.IsDefault {
		r.clearDefault(p.ID)
	}
	r.prompts[p.ID] = clone(p)
	return nil
}

func (r *Repository) GetSystemPrompt(ctx context.Context, id uuid.UUID) (*domain.SystemPrompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(p), nil
}

func (r *Repository) GetDefaultSystemPrompt(ctx context.Context) (*domain.SystemPrompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.prompts {
		if p.IsDefault {
			return clone(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *Repository) ListSystemPrompts(ctx context.Context) ([]*domain.SystemPrompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.SystemPrompt
	for _, p := range r.prompts {
		result = append(result, clone(p))
	}
	slices.SortFunc(result, func(a, b *domain.SystemPrompt) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (r *Repository) UpdateSystemPrompt(ctx context.Context, p *domain.SystemPrompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prompts[p.ID]; !ok {
		return domain.ErrNotFound
	}
	if p.IsDefault {
		r.clearDefault(p.ID)
	}
	r.prompts[p.ID] = clone(p)
	return nil
}

func (r *Repository) DeleteSystemPrompt(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prompts[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.prompts, id)
	return nil
}

func (r *Repository) clearDefault(except uuid.UUID) {
	for id, p := range r.prompts {
		if id != except {
			p.IsDefault = false
		}
	}
}

// Executions

func (r *Repository) CreateSession(ctx context.Context, s *domain.ExecutionSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = clone(s)
	return nil
}

func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*domain.ExecutionSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(s), nil
}

func (r *Repository) ListSessions(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.ExecutionSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.ExecutionSession
	for _, s := range r.sessions {
		if s.ProjectID == projectID {
			result = append(result, clone(s))
		}
	}
	slices.SortFunc(result, func(a, b *domain.ExecutionSession) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *Repository) UpdateSession(ctx context.Context, s *domain.ExecutionSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return domain.ErrNotFound
	}
	r.sessions[s.ID] = clone(s)
	return nil
}

func (r *Repository) AppendLog(ctx context.Context, l *domain.ExecutionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	logs := r.logs[l.SessionID]
	if l.Seq == 0 {
		l.Seq = len(logs) + 1
		if n := len(logs); n > 0 && logs[n-1].Seq >= l.Seq {
			l.Seq = logs[n-1].Seq + 1
		}
	}
	r.logs[l.SessionID] = append(logs, clone(l))
	return nil
}

func (r *Repository) ListLogs(ctx context.Context, sessionID uuid.UUID, afterSeq int) ([]*domain.ExecutionLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.ExecutionLog
	for _, l := range r.logs[sessionID] {
		if l.Seq > afterSeq {
			result = append(result, clone(l))
		}
	}
	return result, nil
}

func (r *Repository) CreateArtifact(ctx context.Context, a *domain.ExecutionArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[a.SessionID] = append(r.artifacts[a.SessionID], clone(a))
	return nil
}

func (r *Repository) ListArtifacts(ctx context.Context, sessionID uuid.UUID) ([]*domain.ExecutionArtifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	arts := r.artifacts[sessionID]
	result := make([]*domain.ExecutionArtifact, 0, len(arts))
	for _, a := range arts {
		result = append(result, clone(a))
	}
	slices.SortStableFunc(result, func(a, b *domain.ExecutionArtifact) int { return a.Step - b.Step })
	return result, nil
}

// Usage

func (r *Repository) CreateUsageRecord(ctx context.Context, rec *domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, clone(rec))
	return nil
}

func (r *Repository) ListUsageRecords(ctx context.Context, projectID *uuid.UUID, since time.Time) ([]*domain.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.UsageRecord
	for _, u := range r.usage {
		if u.CreatedAt.Before(since) {
			continue
		}
		if projectID != nil && (u.ProjectID == nil || *u.ProjectID != *projectID) {
			continue
		}
		result = append(result, clone(u))
	}
	return result, nil
}

// Transaction support (simplified for testing)

type txSnapshot struct {
	files       map[uuid.UUID]*domain.CodeFile
	filesByPath map[fileKey]uuid.UUID
	logs        map[uuid.UUID][]*domain.ExecutionLog
	artifacts   map[uuid.UUID][]*domain.ExecutionArtifact
}

// WithTx runs fn against r and, when fn fails, restores the files, logs and
// artifacts it saw at the start. Writes made by other goroutines while fn runs
// are rolled back with them; tests do not overlap transactions with writers.
func (r *Repository) WithTx(ctx context.Context, fn func(repository.Repository) error) error {
	r.mu.RLock()
	snap := txSnapshot{
		files:       make(map[uuid.UUID]*domain.CodeFile, len(r.files)),
		filesByPath: maps.Clone(r.filesByPath),
		logs:        make(map[uuid.UUID][]*domain.ExecutionLog, len(r.logs)),
		artifacts:   make(map[uuid.UUID][]*domain.ExecutionArtifact, len(r.artifacts)),
	}
	for id, f := range r.files {
		snap.files[id] = clone(f)
	}
	for id, l := range r.logs {
		snap.logs[id] = slices.Clone(l)
	}
	for id, a := range r.artifacts {
		snap.artifacts[id] = slices.Clone(a)
	}
	r.mu.RUnlock()

	err := fn(r)
	if err != nil {
		r.mu.Lock()
		r.files = snap.files
		r.filesByPath = snap.filesByPath
		r.logs = snap.logs
		r.artifacts = snap.artifacts
		r.mu.Unlock()
	}
	return err
}

// Lifecycle

func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Ensure Repository implements repository.Repository
var _ repository.Repository = (*Repository)(nil)
