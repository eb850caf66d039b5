package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/agentdash/backend/internal/state"
)

// Conversation is the registry's summary of a tracked transcript. It is
// what the HTTP API and websocket notifications hand out.
type Conversation struct {
	ID                   string       `json:"id"`
	Path                 string       `json:"path"`
	ProjectDir           string       `json:"projectDir"`
	Name                 string       `json:"name"`
	Status               state.Status `json:"status"`
	HasRunningProcess    bool         `json:"hasRunningProcess"`
	MessageCount         int          `json:"messageCount"`
	LastActivity         time.Time    `json:"lastActivity"`
	LastUserMessage      string       `json:"lastUserMessage,omitempty"`
	LastAssistantMessage string       `json:"lastAssistantMessage,omitempty"`
	Tokens               TokenTotals  `json:"tokens"`
	UpdatedAt            time.Time    `json:"updatedAt"`
}

type Registry struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

func NewRegistry() *Registry {
	return &Registry{
		conversations: make(map[string]*Conversation),
	}
}

func (r *Registry) Get(id string) (*Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, false
	}
	copy := *c
	return &copy, true
}

// All returns every tracked conversation, newest activity first.
func (r *Registry) All() []*Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Conversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		copy := *c
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivity.After(result[j].LastActivity)
	})
	return result
}

func (r *Registry) Update(c *Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *c
	r.conversations[c.ID] = &copy
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conversations, id)
}

// ActiveStates maps conversation ID to status for every conversation that
// is not idle.
func (r *Registry) ActiveStates() map[string]state.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]state.Status)
	for id, c := range r.conversations {
		if c.Status != state.StatusIdle {
			states[id] = c.Status
		}
	}
	return states
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}
