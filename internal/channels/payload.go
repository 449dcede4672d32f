package channels

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// Channel kinds understood by the normalizer.
const (
	KindWhatsApp = "whatsapp"
	KindWebchat  = "webchat"
	KindTelegram = "telegram"
)

// Envelope is the wire wrapper the connector (or a webhook caller) sends:
// the channel kind selects how Data is decoded.
type Envelope struct {
	Kind  string          `json:"kind"`
	Token string          `json:"token,omitempty"`
	Inbox string          `json:"inbox,omitempty"` // business address, when no token is sent
	Data  json.RawMessage `json:"data"`
}

// Payload is one channel-specific inbound shape.
type Payload interface {
	kind() string
	normalize() (bus.InboundMessage, error)
}

// WhatsAppPayload is a message relayed from a WhatsApp bridge.
type WhatsAppPayload struct {
	From        string         `json:"from"` // citizen phone, may carry an "@s.whatsapp.net" suffix
	To          string         `json:"to,omitempty"`
	ProfileName string         `json:"profile_name,omitempty"`
	ID          string         `json:"id"`
	Timestamp   string         `json:"timestamp,omitempty"` // unix seconds
	Type        string         `json:"type"`                // "text", "image", "document", "audio"...
	Text        *WhatsAppText  `json:"text,omitempty"`
	Media       *WhatsAppMedia `json:"media,omitempty"`
}

type WhatsAppText struct {
	Body string `json:"body"`
}

type WhatsAppMedia struct {
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data"` // base64
}

func (WhatsAppPayload) kind() string { return KindWhatsApp }

func (p WhatsAppPayload) normalize() (bus.InboundMessage, error) {
	if p.From == "" {
		return bus.InboundMessage{}, fmt.Errorf("%w: whatsapp message without sender", store.ErrValidationFailed)
	}
	msg := bus.InboundMessage{
		Channel:      KindWhatsApp,
		InboxAddress: p.To,
		SenderID:     p.From,
		SenderName:   p.ProfileName,
		MessageID:    p.ID,
		Timestamp:    unixSeconds(p.Timestamp),
	}
	if p.ProfileName != "" {
		msg.CandidateNames = []string{p.ProfileName}
	}
	if p.Text != nil {
		msg.Content = p.Text.Body
	}
	if p.Media != nil && p.Media.Data != "" {
		if msg.Content == "" {
			msg.Content = p.Media.Caption
		}
		name := p.Media.Filename
		if name == "" {
			name = p.Type
		}
		msg.Attachments = []bus.Attachment{{Name: name, MimeType: p.Media.MimeType, Data: p.Media.Data}}
	}
	return msg, nil
}

// WebchatPayload is a message from the web widget.
type WebchatPayload struct {
	VisitorID string           `json:"visitor_id"`
	SessionID string           `json:"session_id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Email     string           `json:"email,omitempty"`
	Phone     string           `json:"phone,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Text      string           `json:"text"`
	SentAt    time.Time        `json:"sent_at,omitempty"`
	Files     []bus.Attachment `json:"files,omitempty"`
}

func (WebchatPayload) kind() string { return KindWebchat }

func (p WebchatPayload) normalize() (bus.InboundMessage, error) {
	if p.VisitorID == "" {
		return bus.InboundMessage{}, fmt.Errorf("%w: webchat message without visitor", store.ErrValidationFailed)
	}
	meta := map[string]string{}
	if p.Phone != "" {
		meta["phone"] = p.Phone
	}
	if p.Email != "" {
		meta["email"] = p.Email
	}
	msg := bus.InboundMessage{
		Channel:        KindWebchat,
		SenderID:       p.VisitorID,
		ExternalUserID: p.VisitorID,
		SenderName:     p.Name,
		ChatID:         p.SessionID,
		MessageID:      p.MessageID,
		Content:        p.Text,
		Attachments:    p.Files,
		Timestamp:      p.SentAt,
	}
	if len(meta) > 0 {
		msg.Metadata = meta
	}
	return msg, nil
}

// TelegramPayload is a Telegram Bot API update.
type TelegramPayload struct {
	UpdateID int64           `json:"update_id"`
	Message  TelegramMessage `json:"message"`
}

type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	From      TelegramUser  `json:"from"`
	Chat      TelegramChat  `json:"chat"`
	Date      int64         `json:"date"`
	Text      string        `json:"text,omitempty"`
	Caption   string        `json:"caption,omitempty"`
	Document  *TelegramFile `json:"document,omitempty"`
	Photo     *TelegramFile `json:"photo,omitempty"`
}

type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type TelegramChat struct {
	ID int64 `json:"id"`
}

// TelegramFile carries the file body inline; the connector downloads it.
type TelegramFile struct {
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data"`
}

func (TelegramPayload) kind() string { return KindTelegram }

func (p TelegramPayload) normalize() (bus.InboundMessage, error) {
	m := p.Message
	if m.From.ID == 0 {
		return bus.InboundMessage{}, fmt.Errorf("%w: telegram update without sender", store.ErrValidationFailed)
	}
	userID := strconv.FormatInt(m.From.ID, 10)
	fullName := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)

	msg := bus.InboundMessage{
		Channel:        KindTelegram,
		SenderID:       userID,
		ExternalUserID: userID,
		SenderName:     fullName,
		Content:        m.Text,
	}
	if m.Chat.ID != 0 {
		msg.ChatID = strconv.FormatInt(m.Chat.ID, 10)
	}
	if m.MessageID != 0 {
		msg.MessageID = strconv.FormatInt(m.MessageID, 10)
	}
	if m.Date > 0 {
		msg.Timestamp = time.Unix(m.Date, 0).UTC()
	}
	for _, n := range []string{fullName, m.From.Username} {
		if n != "" {
			msg.CandidateNames = append(msg.CandidateNames, n)
		}
	}
	for _, f := range []*TelegramFile{m.Photo, m.Document} {
		if f == nil || f.Data == "" {
			continue
		}
		if msg.Content == "" {
			msg.Content = m.Caption
		}
		name := f.FileName
		if name == "" {
			name = "photo.jpg"
		}
		msg.Attachments = append(msg.Attachments, bus.Attachment{Name: name, MimeType: f.MimeType, Data: f.Data})
	}
	return msg, nil
}

// Decode selects the payload variant named by env.Kind.
func Decode(env Envelope) (Payload, error) {
	var p Payload
	switch strings.ToLower(env.Kind) {
	case KindWhatsApp:
		var v WhatsAppPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: whatsapp payload: %v", store.ErrValidationFailed, err)
		}
		p = v
	case KindWebchat:
		var v WebchatPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: webchat payload: %v", store.ErrValidationFailed, err)
		}
		p = v
	case KindTelegram:
		var v TelegramPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: telegram payload: %v", store.ErrValidationFailed, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown channel kind %q", store.ErrValidationFailed, env.Kind)
	}
	return p, nil
}

// Normalize converts an envelope into the canonical inbound message.
func Normalize(env Envelope) (bus.InboundMessage, error) {
	p, err := Decode(env)
	if err != nil {
		return bus.InboundMessage{}, err
	}
	msg, err := p.normalize()
	if err != nil {
		return bus.InboundMessage{}, err
	}
	msg.Token = env.Token
	if msg.InboxAddress == "" {
		msg.InboxAddress = env.Inbox
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return bus.InboundMessage{}, fmt.Errorf("%w: empty %s message", store.ErrValidationFailed, p.kind())
	}
	return msg, nil
}

func unixSeconds(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
