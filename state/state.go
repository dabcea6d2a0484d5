package state

// This file contains the state synchronizer that mirrors the task trees
// reported by the runner and answers queries about them.

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/perfgo/vtest/model"
)

// Listener is called after every applied event
type Listener func(event string, payload any)

// Manager holds the collected files and an index of every task by id. It
// keeps its own copy of the trees, so the runner and readers never share
// task values.
type Manager struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	files     []*model.Task
	index     map[string]*model.Task
	listeners map[int]Listener
	nextID    int
}

// NewManager creates an empty manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger:    logger,
		index:     make(map[string]*model.Task),
		listeners: make(map[int]Listener),
	}
}

// CollectFiles registers file-level suites. A file whose path is already
// known replaces the previous tree in place.
func (m *Manager) CollectFiles(files []*model.Task) {
	m.mu.Lock()
	clones := make([]*model.Task, 0, len(files))
	for _, f := range files {
		if f == nil {
			continue
		}
		clone := model.CloneTree(f)
		clones = append(clones, clone)

		replaced := false
		for i, existing := range m.files {
			if existing.Filepath == clone.Filepath {
				m.unindex(existing)
				m.files[i] = clone
				replaced = true
				break
			}
		}
		if !replaced {
			m.files = append(m.files, clone)
		}
		m.indexTree(clone)
	}
	m.mu.Unlock()

	m.notify(model.EventCollected, clones)
}

func (m *Manager) indexTree(root *model.Task) {
	model.Walk(root, func(t *model.Task) bool {
		m.index[t.ID] = t
		return true
	})
}

func (m *Manager) unindex(root *model.Task) {
	model.Walk(root, func(t *model.Task) bool {
		if m.index[t.ID] == t {
			delete(m.index, t.ID)
		}
		return true
	})
}

// UpdateTasks applies result updates. Unknown ids are ignored.
func (m *Manager) UpdateTasks(packs []model.TaskResultPack) {
	m.mu.Lock()
	for _, p := range packs {
		t, ok := m.index[p.ID]
		if !ok {
			m.logger.Debug().Str("task", p.ID).Msg("Ignoring update for unknown task")
			continue
		}
		t.Result = p.Result.Clone()
	}
	m.mu.Unlock()

	m.notify(model.EventTaskUpdate, packs)
}

// GetFiles returns the registered files in registration order. With ids,
// only files whose path or task id is listed are returned.
func (m *Manager) GetFiles(ids ...string) []*model.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(ids) == 0 {
		out := make([]*model.Task, len(m.files))
		copy(out, m.files)
		return out
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []*model.Task
	for _, f := range m.files {
		if wanted[f.Filepath] || wanted[f.ID] {
			out = append(out, f)
		}
	}
	return out
}

// GetTask returns the task with the given id
func (m *Manager) GetTask(id string) (*model.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.index[id]
	return t, ok
}

// Tasks returns every known task, files first-to-last, depth-first
func (m *Manager) Tasks() []*model.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return model.Flatten(m.files...)
}

// Counts tallies the tests of every file by state
func (m *Manager) Counts() model.Counts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return model.CountTests(m.files...)
}

// Failed returns the failed tasks, suites included
func (m *Manager) Failed() []*model.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Task
	for _, t := range model.Flatten(m.files...) {
		if t.State() == model.StateFail {
			out = append(out, t)
		}
	}
	return out
}

// Subscribe registers fn and returns a function that removes it
func (m *Manager) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify(event string, payload any) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(event, payload)
	}
}

// Send applies a runner event to the manager
func (m *Manager) Send(event string, payload any) {
	switch event {
	case model.EventCollected:
		files, ok := payload.([]*model.Task)
		if !ok {
			m.logger.Warn().Str("event", event).Msgf("Unexpected payload %T", payload)
			return
		}
		m.CollectFiles(files)
	case model.EventTaskUpdate:
		packs, ok := payload.([]model.TaskResultPack)
		if !ok {
			m.logger.Warn().Str("event", event).Msgf("Unexpected payload %T", payload)
			return
		}
		m.UpdateTasks(packs)
	case model.EventLog:
		entry, ok := payload.(model.LogEntry)
		if !ok {
			m.logger.Warn().Str("event", event).Msgf("Unexpected payload %T", payload)
			return
		}
		m.log(entry)
		m.notify(event, entry)
	default:
		m.logger.Debug().Str("event", event).Msg("Ignoring unknown event")
	}
}

func (m *Manager) log(entry model.LogEntry) {
	level, err := zerolog.ParseLevel(entry.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	ev := m.logger.WithLevel(level)
	if entry.TaskID != "" {
		ev = ev.Str("task", entry.TaskID)
	}
	ev.Msg(entry.Message)
}
