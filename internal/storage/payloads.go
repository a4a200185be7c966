package storage

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-msh/pkg/msh"
)

// MessagePayloads exposes a PayloadStore as the payload store of the MSH
type MessagePayloads struct {
	Store PayloadStore
}

var _ msh.PayloadStore = MessagePayloads{}

func (p MessagePayloads) StorePayloads(ctx context.Context, messageID string, payloads []msh.Payload) error {
	for i, pl := range payloads {
		cid := pl.ContentID
		if cid == "" {
			cid = fmt.Sprintf("cid:payload-%d", i+1)
		}
		_, err := p.Store.StorePayload(ctx, &PayloadData{
			MessageID: messageID,
			ContentID: cid,
			MimeType:  pl.ContentType,
			Data:      pl.Data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p MessagePayloads) Payloads(ctx context.Context, messageID string) ([]msh.Payload, error) {
	stored, err := p.Store.GetPayloads(ctx, messageID)
	if err != nil {
		return nil, err
	}
	out := make([]msh.Payload, 0, len(stored))
	for _, s := range stored {
		out = append(out, msh.Payload{ContentID: s.ContentID, ContentType: s.MimeType, Data: s.Data})
	}
	return out, nil
}
