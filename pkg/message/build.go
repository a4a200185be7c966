package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// Exchange holds the resolved entities a UserMessage is built from
type Exchange struct {
	MessageID string
	PModeKey  string
	Sender    *pmode.Party
	Receiver  *pmode.Party
	Leg       *pmode.LegConfiguration
	// Agreement is nil for exchanges without agreement
	Agreement *pmode.Agreement
	Parts     []PartInfo

	// ConversationID and Timestamp are generated when empty
	ConversationID string
	Timestamp      time.Time
}

// Build creates the UserMessage of an exchange
func Build(ex Exchange) (*UserMessage, error) {
	switch {
	case ex.MessageID == "":
		return nil, errors.New("message id is required")
	case ex.Leg == nil:
		return nil, errors.New("leg is required")
	case ex.Leg.Service == nil:
		return nil, fmt.Errorf("leg %s has no service", ex.Leg.Name)
	case ex.Leg.Action == nil:
		return nil, fmt.Errorf("leg %s has no action", ex.Leg.Name)
	}
	from, err := party(ex.Sender, "sender")
	if err != nil {
		return nil, err
	}
	to, err := party(ex.Receiver, "receiver")
	if err != nil {
		return nil, err
	}

	if ex.ConversationID == "" {
		ex.ConversationID = uuid.New().String()
	}
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now()
	}

	um := &UserMessage{
		Mpc: ex.Leg.MpcQualifiedName(),
		MessageInfo: MessageInfo{
			Timestamp: ex.Timestamp.UTC(),
			MessageID: ex.MessageID,
		},
		PartyInfo: PartyInfo{From: from, To: to},
		CollaborationInfo: CollaborationInfo{
			Service:        Service{Type: ex.Leg.Service.Type, Value: ex.Leg.Service.Value},
			Action:         ex.Leg.Action.Value,
			ConversationID: ex.ConversationID,
		},
		PayloadInfo: ex.Parts,
	}
	if a := ex.Agreement; a != nil && a.Value != "" {
		um.CollaborationInfo.AgreementRef = &AgreementRef{Type: a.Type, PMode: ex.PModeKey, Value: a.Value}
	}
	return um, nil
}

func party(p *pmode.Party, side string) (Party, error) {
	if p == nil || len(p.Identifiers) == 0 {
		return Party{}, fmt.Errorf("%s party has no identifier", side)
	}
	out := Party{Role: DefaultRole}
	for _, id := range p.Identifiers {
		out.PartyIDs = append(out.PartyIDs, PartyID{Type: id.TypeValue(), Value: id.PartyID})
	}
	return out, nil
}
