package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/compression"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/mime"
	"github.com/sirosfoundation/go-msh/pkg/msh"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// Recommended TLS 1.2 cipher suites for AS4
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// HTTPSConfig contains HTTPS client configuration
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// HTTPSClient pushes messages over HTTPS
type HTTPSClient struct {
	client     *http.Client
	config     *HTTPSConfig
	compressor *compression.Compressor
}

// NewHTTPSClient creates a new HTTPS client
func NewHTTPSClient(config *HTTPSConfig) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		Certificates: config.Certificates,
		RootCAs:      config.RootCAs,
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &HTTPSClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config:     config,
		compressor: compression.NewCompressor(),
	}
}

var _ msh.Transport = (*HTTPSClient)(nil)

// Send posts req as an ebMS3 UserMessage in a multipart/related body and
// classifies the answer:
//
//   - 2xx with an ebMS receipt: delivered
//   - 2xx with an empty body: receipt follows asynchronously
//   - ebMS error with severity failure, or a 4xx status: ErrAbort
//   - anything else: retryable error
func (c *HTTPSClient) Send(ctx context.Context, req *msh.SendRequest) (*msh.SendResult, error) {
	if req.Endpoint == "" {
		return nil, fmt.Errorf("%w: receiver %s has no endpoint", msh.ErrAbort, partyName(req))
	}
	body, contentType, err := c.encode(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", msh.ErrAbort, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", msh.ErrAbort, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("MIME-Version", "1.0")
	httpReq.Header.Set("User-Agent", "go-msh/1.0")
	httpReq.Header.Set("SOAPAction", "") // Empty for AS4

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: unexpected status code %d: %s", msh.ErrAbort, resp.StatusCode, truncate(responseBody))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, truncate(responseBody))
	}

	if len(bytes.TrimSpace(responseBody)) == 0 {
		return &msh.SendResult{ReceiptPending: true}, nil
	}
	return classify(req.MessageID, responseBody)
}

func partyName(req *msh.SendRequest) string {
	if req.Receiver == nil {
		return "?"
	}
	return req.Receiver.Name
}

// encode builds the UserMessage envelope and the MIME body. Payloads are
// GZIP compressed when the leg asks for it.
func (c *HTTPSClient) encode(req *msh.SendRequest) ([]byte, string, error) {
	compress := req.Leg != nil && req.Leg.CompressPayloads
	infos := make([]message.PartInfo, 0, len(req.Payloads))
	parts := make([]mime.Part, 0, len(req.Payloads))
	for i, p := range req.Payloads {
		cid := message.NormalizeContentID(p.ContentID)
		if cid == "" {
			cid = fmt.Sprintf("payload-%d", i+1)
		}
		contentType := p.ContentType
		if contentType == "" {
			contentType = mime.ContentTypeOctetStream
		}
		info := message.NewPartInfo(cid)
		info.SetMimeType(contentType)
		part := mime.Part{ContentID: cid, ContentType: contentType, Data: p.Data}

		if compress {
			data, compressed, err := c.compressor.CompressPart(contentType, p.Data)
			if err != nil {
				return nil, "", fmt.Errorf("part %s: %w", cid, err)
			}
			if compressed {
				info.SetCompressionType(compression.TypeGzip)
				part.ContentType = compression.TypeGzip
				part.Data = data
			}
		}
		infos = append(infos, info)
		parts = append(parts, part)
	}

	um, err := message.Build(message.Exchange{
		MessageID: req.MessageID,
		PModeKey:  req.PModeKey,
		Sender:    req.Sender,
		Receiver:  req.Receiver,
		Leg:       req.Leg,
		Agreement: req.Agreement,
		Parts:     infos,
	})
	if err != nil {
		return nil, "", err
	}
	envelope, err := um.Bytes()
	if err != nil {
		return nil, "", err
	}
	return mime.NewMessage(envelope, parts).Serialize()
}

// classify reads the signals answering messageID. A failure error aborts,
// warnings still count as delivered when a receipt came with them.
func classify(messageID string, body []byte) (*msh.SendResult, error) {
	signals, err := message.ParseSignals(body)
	if err != nil {
		return nil, err
	}

	var receipt, warning bool
	for _, s := range signals {
		if s.RefToMessageID != "" && s.RefToMessageID != messageID {
			continue
		}
		receipt = receipt || s.Receipt
		for _, e := range s.Errors {
			if e.IsFailure() {
				return nil, fmt.Errorf("%w: receiver reported %s %s", msh.ErrAbort, e.Code, e.Detail)
			}
			warning = true
		}
	}

	if !receipt {
		if warning {
			return nil, errors.New("receiver answered with warnings but no receipt")
		}
		return nil, errors.New("response carries no receipt")
	}
	return &msh.SendResult{Warning: warning, Response: body}, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
