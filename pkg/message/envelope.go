package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// Envelope renders the message as a SOAP 1.2 envelope with an empty body;
// payloads travel as MIME attachments.
func (m *UserMessage) Envelope() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("env:Envelope")
	env.CreateAttr("xmlns:env", NsSOAPEnv)
	env.CreateAttr("xmlns:eb", NsEbMS)

	messaging := env.CreateElement("env:Header").CreateElement("eb:Messaging")
	messaging.CreateAttr("env:mustUnderstand", "true")

	um := messaging.CreateElement("eb:UserMessage")
	if m.Mpc != "" {
		um.CreateAttr("mpc", m.Mpc)
	}

	info := um.CreateElement("eb:MessageInfo")
	info.CreateElement("eb:Timestamp").SetText(m.MessageInfo.Timestamp.UTC().Format(time.RFC3339Nano))
	info.CreateElement("eb:MessageId").SetText(m.MessageInfo.MessageID)
	if m.MessageInfo.RefToMessageID != "" {
		info.CreateElement("eb:RefToMessageId").SetText(m.MessageInfo.RefToMessageID)
	}

	partyInfo := um.CreateElement("eb:PartyInfo")
	writeParty(partyInfo.CreateElement("eb:From"), m.PartyInfo.From)
	writeParty(partyInfo.CreateElement("eb:To"), m.PartyInfo.To)

	collab := um.CreateElement("eb:CollaborationInfo")
	if ref := m.CollaborationInfo.AgreementRef; ref != nil {
		e := collab.CreateElement("eb:AgreementRef")
		if ref.Type != "" {
			e.CreateAttr("type", ref.Type)
		}
		if ref.PMode != "" {
			e.CreateAttr("pmode", ref.PMode)
		}
		e.SetText(ref.Value)
	}
	svc := collab.CreateElement("eb:Service")
	if m.CollaborationInfo.Service.Type != "" {
		svc.CreateAttr("type", m.CollaborationInfo.Service.Type)
	}
	svc.SetText(m.CollaborationInfo.Service.Value)
	collab.CreateElement("eb:Action").SetText(m.CollaborationInfo.Action)
	collab.CreateElement("eb:ConversationId").SetText(m.CollaborationInfo.ConversationID)

	if len(m.PayloadInfo) > 0 {
		payloadInfo := um.CreateElement("eb:PayloadInfo")
		for _, p := range m.PayloadInfo {
			part := payloadInfo.CreateElement("eb:PartInfo")
			part.CreateAttr("href", p.Href)
			if len(p.Properties) == 0 {
				continue
			}
			props := part.CreateElement("eb:PartProperties")
			for _, prop := range p.Properties {
				e := props.CreateElement("eb:Property")
				e.CreateAttr("name", prop.Name)
				e.SetText(prop.Value)
			}
		}
	}

	env.CreateElement("env:Body")
	return doc
}

func writeParty(e *etree.Element, p Party) {
	for _, id := range p.PartyIDs {
		pid := e.CreateElement("eb:PartyId")
		if id.Type != "" {
			pid.CreateAttr("type", id.Type)
		}
		pid.SetText(id.Value)
	}
	e.CreateElement("eb:Role").SetText(p.Role)
}

// Bytes serializes the envelope
func (m *UserMessage) Bytes() ([]byte, error) {
	return m.Envelope().WriteToBytes()
}

// ParseSignals reads the ebMS signal messages of a SOAP response. Elements
// are matched by local name so any namespace prefix is accepted.
func ParseSignals(body []byte) ([]Signal, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("unreadable response: %w", err)
	}

	var signals []Signal
	for _, sm := range doc.FindElements("//SignalMessage") {
		s := Signal{
			MessageID:      childText(sm, "MessageInfo/MessageId"),
			RefToMessageID: childText(sm, "MessageInfo/RefToMessageId"),
			Receipt:        sm.FindElement("Receipt") != nil,
		}
		for _, e := range sm.FindElements("Error") {
			s.Errors = append(s.Errors, Error{
				Code:             e.SelectAttrValue("errorCode", ""),
				Severity:         strings.ToLower(e.SelectAttrValue("severity", "failure")),
				ShortDescription: e.SelectAttrValue("shortDescription", ""),
				Category:         e.SelectAttrValue("category", ""),
				Detail:           childText(e, "ErrorDetail"),
			})
		}
		signals = append(signals, s)
	}
	return signals, nil
}

func childText(e *etree.Element, path string) string {
	if c := e.FindElement(path); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}
