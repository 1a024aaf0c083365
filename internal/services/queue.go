package services

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/logging"
)

// finishedItemsKept bounds how many terminal items a session remembers
const finishedItemsKept = 200

// Enqueue appends a command and returns its pending item immediately
func (s *Session) Enqueue(cmd domain.Command) (domain.QueueItem, error) {
	s.mu.Lock()
	if !s.state.IsLive() {
		s.mu.Unlock()
		return domain.QueueItem{}, domain.ErrSessionTerminated
	}
	if s.opts.MaxQueueDepth > 0 && len(s.queue) >= s.opts.MaxQueueDepth {
		s.mu.Unlock()
		return domain.QueueItem{}, fmt.Errorf("%w: %d pending", domain.ErrQueueFull, len(s.queue))
	}

	now := s.now()
	item := &domain.QueueItem{
		Command:    cmd,
		CreatedAt:  now,
		ID:         uuid.New().String(),
		SessionKey: s.key,
		Status:     domain.ItemPending,
	}
	s.items[item.ID] = item
	s.order = append(s.order, item.ID)
	s.queue = append(s.queue, item.ID)
	s.lastActivity = now
	snapshot := *item
	s.mu.Unlock()

	logging.Logger.Info("Command queued", "session", s.key, "item", item.ID, "effort", cmd.Effort)
	s.publishItem(snapshot)
	s.signal()
	return snapshot, nil
}

// Cancel stops an item. A pending item is cancelled at once; a running one
// is interrupted and reaches cancelled once the agent settles.
func (s *Session) Cancel(itemID string) error {
	s.mu.Lock()
	item, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrItemNotFound, itemID)
	}

	switch item.Status {
	case domain.ItemPending:
		s.removeQueued(itemID)
		s.markDone(item, domain.ItemCancelled, "", "")
		snapshot := *item
		s.mu.Unlock()

		logging.Logger.Info("Pending command cancelled", "session", s.key, "item", itemID)
		s.publishItem(snapshot)
		s.observeItem(snapshot)
		return nil
	case domain.ItemRunning:
		s.requestCancel()
		s.mu.Unlock()
		logging.Logger.Info("Cancelling running command", "session", s.key, "item", itemID)
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
}

// Interrupt cancels the running item, if any, and reports whether there was one
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == "" {
		return false
	}
	s.requestCancel()
	return true
}

// Items returns snapshots of every known item in submission order
func (s *Session) Items() []domain.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.QueueItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.items[id])
	}
	return out
}

// Item returns a snapshot of one item
func (s *Session) Item(id string) (domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return domain.QueueItem{}, fmt.Errorf("%w: %s", domain.ErrItemNotFound, id)
	}
	return *item, nil
}

// dequeue pops the next pending item and marks it running
func (s *Session) dequeue() (domain.QueueItem, bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return domain.QueueItem{}, false
	}

	id := s.queue[0]
	s.queue = s.queue[1:]
	item := s.items[id]

	now := s.now()
	item.Status = domain.ItemRunning
	item.StartedAt = &now
	item.ThreadID = s.threadID
	s.running = id
	s.cancelRunning = make(chan struct{})
	s.lastActivity = now
	snapshot := *item
	s.mu.Unlock()

	s.publishItem(snapshot)
	return snapshot, true
}

// finish moves the running item to a terminal status
func (s *Session) finish(id string, status domain.ItemStatus, output string, err error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok || item.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.markDone(item, status, output, msg)
	item.ThreadID = s.threadID
	if s.running == id {
		s.running = ""
		s.cancelRunning = nil
	}
	snapshot := *item
	s.pruneItems()
	s.mu.Unlock()

	logging.Logger.Info("Command finished", "session", s.key, "item", id, "status", status, "error", msg)
	s.publishItem(snapshot)
	s.observeItem(snapshot)
}

// cancelPending marks every queued item cancelled; used on shutdown
func (s *Session) cancelPending(reason string) {
	s.mu.Lock()
	var done []domain.QueueItem
	for _, id := range s.queue {
		item := s.items[id]
		s.markDone(item, domain.ItemCancelled, "", reason)
		done = append(done, *item)
	}
	s.queue = nil
	s.mu.Unlock()

	for _, item := range done {
		s.publishItem(item)
		s.observeItem(item)
	}
}

// markDone must be called with s.mu held
func (s *Session) markDone(item *domain.QueueItem, status domain.ItemStatus, output, msg string) {
	now := s.now()
	item.Status = status
	item.CompletedAt = &now
	item.Output = output
	item.Error = msg
	s.lastActivity = now
}

// removeQueued must be called with s.mu held
func (s *Session) removeQueued(id string) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// requestCancel must be called with s.mu held
func (s *Session) requestCancel() {
	if s.cancelRunning == nil {
		return
	}
	select {
	case <-s.cancelRunning:
	default:
		close(s.cancelRunning)
	}
}

// pruneItems must be called with s.mu held
func (s *Session) pruneItems() {
	finished := 0
	for _, id := range s.order {
		if s.items[id].Status.IsTerminal() {
			finished++
		}
	}
	if finished <= finishedItemsKept {
		return
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if finished > finishedItemsKept && s.items[id].Status.IsTerminal() {
			delete(s.items, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
