package mem

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// Seed loads the standalone directory from config.
func (s *Store) Seed(d config.DirectorySeed) error {
	for _, ch := range d.Channels {
		chID, err := parseOrNew(ch.ID)
		if err != nil {
			return fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		s.AddChannel(store.Channel{
			ID:                   chID,
			Name:                 ch.Name,
			Kind:                 ch.Kind,
			RequiresVerification: ch.RequiresVerification,
			BotEnabled:           ch.BotEnabled,
			StrictIdentity:       ch.StrictIdentity,
			OperatorInitiated:    ch.OperatorInitiated,
		})
		for _, in := range ch.Inboxes {
			inID, err := uuid.Parse(in.ID)
			if err != nil {
				return fmt.Errorf("inbox %q: %w", in.Name, err)
			}
			s.AddInbox(store.Inbox{ID: inID, ChannelID: chID, Name: in.Name}, in.Token, in.Phone)
		}
	}
	for _, a := range d.Agents {
		id, err := uuid.Parse(a.ID)
		if err != nil {
			return fmt.Errorf("agent %q: %w", a.Name, err)
		}
		inboxes := make([]uuid.UUID, 0, len(a.Inboxes))
		for _, raw := range a.Inboxes {
			inID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("agent %q inbox: %w", a.Name, err)
			}
			inboxes = append(inboxes, inID)
		}
		s.AddAgent(store.Agent{ID: id, Name: a.Name, Role: a.Role}, true, inboxes...)
	}
	return nil
}

func parseOrNew(raw string) (uuid.UUID, error) {
	if raw == "" {
		return store.GenNewID(), nil
	}
	return uuid.Parse(raw)
}
