// Package pipeline implements the Conversation Processor: the stateful
// builder that turns raw messages into ConversationState, guards against
// the state↔summary feedback loop, and rebuilds its in-memory map by
// replaying the log on restart (spec §4.3, §9).
package pipeline

import (
	"sync"

	"supportintel/internal/model"
)

// store is the Processor's in-memory map, owned exclusively by the
// Processor per spec §5 ("per-component in-memory maps are owned by that
// component").
type store struct {
	mu     sync.RWMutex
	window int
	states map[model.ConversationKey]*model.ConversationState
}

func newStore(window int) *store {
	if window <= 0 {
		window = 10
	}
	return &store{window: window, states: make(map[model.ConversationKey]*model.ConversationState)}
}

func (s *store) getOrCreate(key model.ConversationKey) *model.ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &model.ConversationState{TenantID: key.TenantID, ConversationID: key.ConversationID}
		s.states[key] = st
	}
	return st
}

func (s *store) get(key model.ConversationKey) (*model.ConversationState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	return st, ok
}

// applyMessage appends msg to the conversation's bounded recent-messages
// window (dropping the oldest beyond s.window), bumps message_count, and
// tracks participants/last_activity. Returns a snapshot copy safe to
// serialize without holding the store lock.
func (s *store) applyMessage(msg model.SupportMessage) model.ConversationState {
	key := msg.Key()
	st := s.getOrCreate(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	st.RecentMessages = append(st.RecentMessages, model.MessageRef{
		MessageID: msg.MessageID,
		Sender:    msg.Sender,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	})
	if over := len(st.RecentMessages) - s.window; over > 0 {
		st.RecentMessages = st.RecentMessages[over:]
	}
	st.MessageCount++
	st.LastActivity = msg.Timestamp
	if !hasParticipant(st.Participants, msg.Sender) {
		st.Participants = append(st.Participants, msg.Sender)
	}
	return cloneState(*st)
}

// applySummary replaces current_summary iff the incoming summary is
// strictly newer, per the loop-guard invariant: it never triggers an
// emission to conversations.state (spec §4.3). Returns false if the
// conversation is unknown (summary for a never-seen conversation).
func (s *store) applySummary(key model.ConversationKey, ref model.SummaryRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return false
	}
	if ref.NewerThan(st.CurrentSummary) {
		st.CurrentSummary = &ref
	}
	return true
}

func hasParticipant(list []model.Sender, s model.Sender) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneState(st model.ConversationState) model.ConversationState {
	out := st
	out.RecentMessages = append([]model.MessageRef(nil), st.RecentMessages...)
	out.Participants = append([]model.Sender(nil), st.Participants...)
	if st.CurrentSummary != nil {
		s := *st.CurrentSummary
		out.CurrentSummary = &s
	}
	return out
}
