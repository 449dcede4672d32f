// Package export renders an attention transcript and hands it to the
// document/email service.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/store"
)

// Exporter dispatches the transcript of one attention to an address.
type Exporter interface {
	ExportAttention(ctx context.Context, attentionID uuid.UUID, email string) error
}

// Transcript is the document sent to the export service.
type Transcript struct {
	AttentionID uuid.UUID             `json:"attention_id"`
	RoomID      uuid.UUID             `json:"room_id"`
	Status      store.AttentionStatus `json:"status"`
	StartDate   time.Time             `json:"start_date"`
	EndDate     *time.Time            `json:"end_date,omitempty"`
	Citizen     CitizenSummary        `json:"citizen"`
	Messages    []Line                `json:"messages"`
	Text        string                `json:"text"`
	Email       string                `json:"email"`
}

type CitizenSummary struct {
	Name           string `json:"name"`
	Phone          string `json:"phone,omitempty"`
	DocumentType   string `json:"document_type,omitempty"`
	DocumentNumber string `json:"document_number,omitempty"`
}

type Line struct {
	Sender  store.SenderType `json:"sender"`
	Content string           `json:"content"`
	At      time.Time        `json:"at"`
}

// HTTPExporter POSTs transcripts as JSON to the export service.
type HTTPExporter struct {
	url    string
	convs  store.ConversationStore
	client *http.Client
}

// NewHTTPExporter creates an HTTPExporter.
func NewHTTPExporter(url string, convs store.ConversationStore, timeout time.Duration) *HTTPExporter {
	return &HTTPExporter{url: url, convs: convs, client: &http.Client{Timeout: timeout}}
}

func (e *HTTPExporter) ExportAttention(ctx context.Context, attentionID uuid.UUID, email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("%w: invalid email %q", store.ErrValidationFailed, email)
	}
	doc, err := Build(ctx, e.convs, attentionID)
	if err != nil {
		return err
	}
	doc.Email = addr.Address

	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("export: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: export: %v", store.ErrDownstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: export: http %d: %s", store.ErrDownstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Build assembles the transcript of an attention.
func Build(ctx context.Context, convs store.ConversationStore, attentionID uuid.UUID) (*Transcript, error) {
	att, err := convs.GetAttention(ctx, attentionID)
	if err != nil {
		return nil, fmt.Errorf("attention %s: %w", attentionID, err)
	}
	room, err := convs.GetRoom(ctx, att.RoomID)
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", att.RoomID, err)
	}
	citizen, err := convs.GetCitizen(ctx, room.CitizenID)
	if err != nil {
		return nil, fmt.Errorf("citizen %s: %w", room.CitizenID, err)
	}
	msgs, err := convs.ListAttentionMessages(ctx, att.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	t := &Transcript{
		AttentionID: att.ID,
		RoomID:      room.ID,
		Status:      att.Status,
		StartDate:   att.StartDate,
		EndDate:     att.EndDate,
		Citizen:     summarize(citizen),
		Messages:    make([]Line, 0, len(msgs)),
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Atención %s - %s\n", att.ID, t.Citizen.Name)
	for _, m := range msgs {
		t.Messages = append(t.Messages, Line{Sender: m.SenderType, Content: m.Content, At: m.CreatedAt})
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), senderLabel(m.SenderType), m.Content)
	}
	t.Text = b.String()
	return t, nil
}

func summarize(c *store.Citizen) CitizenSummary {
	s := CitizenSummary{Name: c.DisplayName, Phone: c.Phone}
	if c.FullName != nil && *c.FullName != "" {
		s.Name = *c.FullName
	}
	if c.DocumentType != nil {
		s.DocumentType = *c.DocumentType
	}
	if c.DocumentNumber != nil {
		s.DocumentNumber = *c.DocumentNumber
	}
	return s
}

func senderLabel(s store.SenderType) string {
	switch s {
	case store.SenderAgent:
		return "Asesor"
	case store.SenderBot:
		return "Asistente"
	default:
		return "Ciudadano"
	}
}

// Disabled is used when no export service is configured.
type Disabled struct{}

func (Disabled) ExportAttention(context.Context, uuid.UUID, string) error {
	return fmt.Errorf("%w: export service not configured", store.ErrDownstreamUnavailable)
}
