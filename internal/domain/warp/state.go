package warp

import (
	"sync"

	"github.com/google/uuid"
)

// State is the single in-memory baseline the gateway keeps across requests.
// ConversationID and BaselineTaskID come from the first successful upstream
// reply; ToolCallID and ToolMessageID are lazily minted once and then stable
// for the process lifetime.
type State struct {
	mu sync.Mutex

	conversationID string
	baselineTaskID string
	toolCallID     string
	toolMessageID  string
}

func NewState() *State {
	return &State{}
}

// EnsureToolIDs mints the preamble tool ids on first use. First writer wins.
func (s *State) EnsureToolIDs() (toolCallID, toolMessageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.toolCallID == "" {
		s.toolCallID = uuid.NewString()
	}
	if s.toolMessageID == "" {
		s.toolMessageID = uuid.NewString()
	}
	return s.toolCallID, s.toolMessageID
}

func (s *State) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *State) BaselineTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baselineTaskID
}

// Update records the conversation and task ids returned by a successful
// upstream reply. Empty values leave the existing ones untouched.
func (s *State) Update(conversationID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID != "" {
		s.conversationID = conversationID
	}
	if taskID != "" {
		s.baselineTaskID = taskID
	}
}

// BaselineOrNewTaskID returns the established baseline task id, or mints and
// records a fresh one when no baseline exists yet.
func (s *State) BaselineOrNewTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baselineTaskID == "" {
		s.baselineTaskID = uuid.NewString()
	}
	return s.baselineTaskID
}

// Initialized reports whether a conversation has been established.
func (s *State) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID != ""
}
