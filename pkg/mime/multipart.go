package mime

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

const (
	// ContentTypeMultipartRelated is the MIME type for multipart/related
	ContentTypeMultipartRelated = "multipart/related"
	// ContentTypeSOAPXML is the MIME type for SOAP
	ContentTypeSOAPXML = "application/soap+xml"
	// ContentTypeOctetStream is used for parts without a content type
	ContentTypeOctetStream = "application/octet-stream"
)

// Message is an AS4 MIME message: a SOAP envelope root part followed by
// the payload attachments
type Message struct {
	Boundary string
	StartID  string
	Envelope []byte
	Parts    []Part
}

// Part is a payload attachment
type Part struct {
	ContentID   string
	ContentType string
	Data        []byte
}

// NewMessage creates a message with a fresh boundary and root Content-ID
func NewMessage(envelope []byte, parts []Part) *Message {
	return &Message{
		Boundary: generateBoundary(),
		StartID:  uuid.New().String() + "@msh",
		Envelope: envelope,
		Parts:    parts,
	}
}

// Serialize writes the multipart body and returns it with its
// Content-Type header value
func (m *Message) Serialize() ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.SetBoundary(m.Boundary); err != nil {
		return nil, "", fmt.Errorf("failed to set boundary: %w", err)
	}

	root := textproto.MIMEHeader{}
	root.Set("Content-Type", ContentTypeSOAPXML+"; charset=UTF-8")
	root.Set("Content-Transfer-Encoding", "8bit")
	root.Set("Content-ID", AddContentIDBrackets(m.StartID))
	if err := writePart(writer, root, m.Envelope); err != nil {
		return nil, "", fmt.Errorf("failed to write SOAP part: %w", err)
	}

	for i, p := range m.Parts {
		contentType := p.ContentType
		if contentType == "" {
			contentType = ContentTypeOctetStream
		}
		contentID := p.ContentID
		if contentID == "" {
			contentID = fmt.Sprintf("payload-%d", i+1)
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", contentType)
		h.Set("Content-Transfer-Encoding", "binary")
		h.Set("Content-ID", AddContentIDBrackets(strings.TrimPrefix(contentID, "cid:")))
		if err := writePart(writer, h, p.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write part %s: %w", contentID, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	// start references the root Content-ID without angle brackets
	contentType := mime.FormatMediaType(ContentTypeMultipartRelated, map[string]string{
		"boundary": m.Boundary,
		"type":     ContentTypeSOAPXML,
		"start":    GetContentIDWithoutBrackets(m.StartID),
	})
	return buf.Bytes(), contentType, nil
}

func writePart(w *multipart.Writer, h textproto.MIMEHeader, data []byte) error {
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// Parse reads a multipart/related message. The root part is the one named
// by the start parameter, or the first part when there is none.
func Parse(r io.Reader, contentType string) (*Message, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("not a multipart message: %s", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("boundary not found in content type")
	}

	msg := &Message{Boundary: boundary, StartID: GetContentIDWithoutBrackets(params["start"])}
	reader := multipart.NewReader(r, boundary)
	first := true
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("failed to read part data: %w", err)
		}
		contentID := GetContentIDWithoutBrackets(part.Header.Get("Content-ID"))

		isRoot := msg.Envelope == nil && (msg.StartID == "" && first || msg.StartID != "" && contentID == msg.StartID)
		first = false
		if isRoot {
			msg.Envelope = data
			if msg.StartID == "" {
				msg.StartID = contentID
			}
			continue
		}
		msg.Parts = append(msg.Parts, Part{
			ContentID:   contentID,
			ContentType: part.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	if msg.Envelope == nil {
		return nil, fmt.Errorf("SOAP envelope not found in message")
	}
	return msg, nil
}

// Part returns the attachment with the given Content-ID in any notation
func (m *Message) Part(contentID string) *Part {
	want := normalizeContentID(contentID)
	for i := range m.Parts {
		if normalizeContentID(m.Parts[i].ContentID) == want {
			return &m.Parts[i]
		}
	}
	return nil
}

func normalizeContentID(contentID string) string {
	return GetContentIDWithoutBrackets(strings.TrimPrefix(contentID, "cid:"))
}

// generateBoundary generates a MIME boundary string
func generateBoundary() string {
	return fmt.Sprintf("----=_Part_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// GetContentIDWithoutBrackets removes < and > from Content-ID
func GetContentIDWithoutBrackets(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "<")
	return strings.TrimSuffix(contentID, ">")
}

// AddContentIDBrackets adds < and > to Content-ID if not present
func AddContentIDBrackets(contentID string) string {
	if !strings.HasPrefix(contentID, "<") {
		contentID = "<" + contentID
	}
	if !strings.HasSuffix(contentID, ">") {
		contentID = contentID + ">"
	}
	return contentID
}
