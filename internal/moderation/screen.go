package moderation

import (
	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/messaging"
)

// Screen checks a persisted message and returns the event to publish when it
// should be flagged. Media messages carry only a stored path and are never
// flagged.
func (f *Filter) Screen(m chat.Message) (messaging.FlaggedEvent, bool) {
	if m.Type != chat.TypeText || m.Content.IsMedia() {
		return messaging.FlaggedEvent{}, false
	}
	r := f.Check(m.Content.Text)
	if !r.Blocked {
		return messaging.FlaggedEvent{}, false
	}
	return messaging.FlaggedEvent{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Reason:    r.Reason,
		Term:      r.Term,
	}, true
}
