package msh

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		res      *SendResult
		err      error
		want     reliability.ReliabilityStatus
		response reliability.ResponseStatus
	}{
		{"receipt", &SendResult{}, nil, reliability.ReliabilityOK, reliability.ResponseOK},
		{"nil result", nil, nil, reliability.ReliabilityOK, reliability.ResponseOK},
		{"warning", &SendResult{Warning: true}, nil, reliability.ReliabilityOK, reliability.ResponseWarning},
		{"async receipt", &SendResult{ReceiptPending: true}, nil, reliability.ReliabilityWaitingForCallback, ""},
		{"transport error", nil, errors.New("timeout"), reliability.ReliabilitySendFail, ""},
		{"abort", nil, fmt.Errorf("%w: 400", ErrAbort), reliability.ReliabilityAbort, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := classify(tt.res, tt.err)
			assert.Equal(t, tt.want, o.Reliability)
			assert.Equal(t, tt.response, o.Response)
			assert.Equal(t, tt.err, o.Err)
		})
	}
}
