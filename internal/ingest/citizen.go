package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/sessions"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// resolveCitizen finds the sender, creating them on first contact.
// Strict channels match on the channel user id; loose channels match on
// phone and, when several citizens share it, on the candidate names.
func (p *Pipeline) resolveCitizen(ctx context.Context, ch *store.Channel, msg bus.InboundMessage) (*store.Citizen, error) {
	address := senderAddress(ch, msg)
	if address == "" {
		return nil, fmt.Errorf("%w: message without sender", store.ErrValidationFailed)
	}
	unlock := p.citizens.Lock(sessions.CitizenKey(ch.Kind, address))
	defer unlock()

	if ch.StrictIdentity {
		c, err := p.convs.FindCitizenByExternalID(ctx, address)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("find citizen: %w", err)
		}
		return p.createCitizen(ctx, &store.Citizen{
			ExternalUserID: address,
			DisplayName:    displayName(msg),
			Phone:          msg.Metadata["phone"],
			IsExternal:     true,
		})
	}

	phone := NormalizePhone(address)
	found, err := p.convs.FindCitizensByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("find citizen: %w", err)
	}
	if len(found) > 0 {
		c := pickByName(found, candidateNames(msg))
		return &c, nil
	}
	return p.createCitizen(ctx, &store.Citizen{
		ExternalUserID: msg.ExternalUserID,
		DisplayName:    displayName(msg),
		Phone:          phone,
		IsExternal:     true,
	})
}

func (p *Pipeline) createCitizen(ctx context.Context, c *store.Citizen) (*store.Citizen, error) {
	created, err := p.convs.CreateCitizen(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create citizen: %w", err)
	}
	if created {
		slog.Info("ingest: citizen created", "citizen", c.ID, "address", c.Address())
	}
	return c, nil
}

func senderAddress(ch *store.Channel, msg bus.InboundMessage) string {
	if ch.StrictIdentity && msg.ExternalUserID != "" {
		return msg.ExternalUserID
	}
	return strings.TrimSpace(msg.SenderID)
}

func displayName(msg bus.InboundMessage) string {
	if n := strings.TrimSpace(msg.SenderName); n != "" {
		return n
	}
	for _, n := range msg.CandidateNames {
		if n = strings.TrimSpace(n); n != "" {
			return n
		}
	}
	return msg.SenderID
}

func candidateNames(msg bus.InboundMessage) []string {
	names := make([]string, 0, len(msg.CandidateNames)+1)
	if msg.SenderName != "" {
		names = append(names, msg.SenderName)
	}
	return append(names, msg.CandidateNames...)
}

// pickByName prefers the citizen whose display or full name matches one of
// the candidates, falling back to the oldest record.
func pickByName(found []store.Citizen, names []string) store.Citizen {
	if len(found) == 1 || len(names) == 0 {
		return found[0]
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if k := foldName(n); k != "" {
			want[k] = true
		}
	}
	for _, c := range found {
		if want[foldName(c.DisplayName)] {
			return c
		}
		if c.FullName != nil && want[foldName(*c.FullName)] {
			return c
		}
	}
	return found[0]
}

// nameFolder is built per call: transform chains carry state.
func nameFolder() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

func foldName(s string) string {
	out, _, err := transform.String(nameFolder(), s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.Join(strings.Fields(out), " "))
}

// NormalizePhone keeps digits only, dropping a leading "+" and any
// WhatsApp-style "@suffix".
func NormalizePhone(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return strings.TrimSpace(s)
	}
	return b.String()
}
