package ingest

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

var imageExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "bmp": true, "heic": true,
}

// decodedSize returns the byte length of a base64 payload. Data URLs
// ("data:image/png;base64,...") are accepted.
func decodedSize(data string) (int64, error) {
	if i := strings.Index(data, ";base64,"); i >= 0 && strings.HasPrefix(data, "data:") {
		data = data[i+len(";base64,"):]
	}
	data = strings.TrimSpace(data)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(data); err == nil {
			return int64(len(b)), nil
		}
	}
	return 0, fmt.Errorf("%w: attachment is not base64", store.ErrValidationFailed)
}

func extensionOf(a bus.Attachment) string {
	ext := a.Extension
	if ext == "" {
		ext = filepath.Ext(a.Name)
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func mediaKindOf(a bus.Attachment, ext string) store.MediaKind {
	if strings.HasPrefix(a.MimeType, "image/") || imageExtensions[ext] {
		return store.MediaImage
	}
	return store.MediaFile
}

// buildAttachment converts a wire attachment into a record. The size
// comes from the decoded payload, never from the sender.
func buildAttachment(a bus.Attachment) (*store.Attachment, error) {
	size, err := decodedSize(a.Data)
	if err != nil {
		return nil, err
	}
	ext := extensionOf(a)
	return &store.Attachment{
		Content:   a.Data,
		Name:      a.Name,
		Extension: ext,
		SizeBytes: size,
		MediaKind: mediaKindOf(a, ext),
	}, nil
}

// buildAttachments returns records for every decodable attachment; the
// rest are skipped. The store fills in the message id on insert.
func buildAttachments(in []bus.Attachment) []*store.Attachment {
	out := make([]*store.Attachment, 0, len(in))
	for _, a := range in {
		rec, err := buildAttachment(a)
		if err != nil {
			slog.Warn("ingest: attachment skipped", "name", a.Name, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}
