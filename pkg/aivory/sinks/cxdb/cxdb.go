// Package cxdb provides a sink that mirrors records into cxdb as
// SystemMessage turns. Records sharing a fingerprint are appended to the
// same cxdb context, so each context is the history of one failure group.
package cxdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	cxdbclient "github.com/strongdm/ai-cxdb/clients/go"
	cxdtypes "github.com/strongdm/ai-cxdb/clients/go/types"

	"github.com/aivorynet/agent-go/pkg/aivory"
)

// Client is the subset of the cxdb client used by the sink.
// *cxdbclient.Client satisfies it.
type Client interface {
	CreateContext(ctx context.Context, baseTurnID uint64) (*cxdbclient.ContextHead, error)
	AppendTurn(ctx context.Context, req *cxdbclient.AppendRequest) (*cxdbclient.AppendResult, error)
}

const (
	maxTitleLength   = 100
	maxTitleMessage  = 80
	defaultClientTag = "aivory-agent"
)

// Option configures the cxdb sink.
type Option func(*config)

type config struct {
	labels    []string
	clientTag string
}

// WithLabels sets the labels attached to newly created contexts.
func WithLabels(labels []string) Option {
	return func(c *config) {
		c.labels = labels
	}
}

// WithClientTag sets the client tag attached to newly created contexts.
func WithClientTag(tag string) Option {
	return func(c *config) {
		c.clientTag = tag
	}
}

type sink struct {
	client    Client
	labels    []string
	clientTag string

	mu       sync.Mutex
	contexts map[string]uint64 // fingerprint -> context ID
}

// New creates a sink that writes to cxdb through client.
func New(client Client, opts ...Option) aivory.Sink {
	cfg := &config{
		labels:    []string{"aivory", "error"},
		clientTag: defaultClientTag,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &sink{
		client:    client,
		labels:    cfg.labels,
		clientTag: cfg.clientTag,
		contexts:  make(map[string]uint64),
	}
}

// Write appends the record to its fingerprint's context, creating the
// context on first use.
func (s *sink) Write(ctx context.Context, record aivory.DiagnosticRecord) error {
	contextID, created, err := s.contextFor(ctx, record.Fingerprint)
	if err != nil {
		return err
	}

	payload, err := cxdbclient.EncodeMsgpack(s.buildConversationItem(record, created))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.client.AppendTurn(ctx, &cxdbclient.AppendRequest{
		ContextID:      contextID,
		ParentTurnID:   0,
		TypeID:         cxdtypes.TypeIDConversationItem,
		TypeVersion:    cxdtypes.TypeVersionConversationItem,
		Payload:        payload,
		IdempotencyKey: record.ID,
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// contextFor returns the context of a fingerprint and whether it was
// created by this call. Creation happens under the lock so a fingerprint
// never maps to two contexts.
func (s *sink) contextFor(ctx context.Context, fingerprint string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.contexts[fingerprint]; ok {
		return id, false, nil
	}
	head, err := s.client.CreateContext(ctx, 0)
	if err != nil {
		return 0, false, fmt.Errorf("create context for %s: %w", fingerprint, err)
	}
	s.contexts[fingerprint] = head.ContextID
	return head.ContextID, true, nil
}

func (s *sink) buildConversationItem(record aivory.DiagnosticRecord, created bool) *cxdtypes.ConversationItem {
	item := &cxdtypes.ConversationItem{
		ItemType:  cxdtypes.ItemTypeSystem,
		Status:    cxdtypes.ItemStatusComplete,
		Timestamp: record.CapturedAt.UnixMilli(),
		ID:        record.ID,
		System: &cxdtypes.SystemMessage{
			Kind:    cxdtypes.SystemKindError,
			Title:   buildTitle(record),
			Content: buildDetails(record),
		},
	}

	// cxdb expects context metadata on the first turn only.
	if created {
		item.ContextMetadata = &cxdtypes.ContextMetadata{
			Labels:    s.labels,
			ClientTag: s.clientTag,
		}
	}
	return item
}

// buildTitle renders "kind: message", truncated for display.
func buildTitle(record aivory.DiagnosticRecord) string {
	title := record.FailureKind
	if msg := record.Message; msg != "" {
		if len(msg) > maxTitleMessage {
			msg = msg[:maxTitleMessage] + "..."
		}
		title += ": " + msg
	}
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength-3] + "..."
	}
	return title
}

// buildDetails encodes the full record as JSON for SystemMessage.Content.
func buildDetails(record aivory.DiagnosticRecord) string {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "failed to encode record: "+err.Error())
	}
	return string(data)
}

// Flush is a no-op; writes are synchronous.
func (s *sink) Flush(context.Context) error {
	return nil
}

// Close is a no-op. The caller owns the client.
func (s *sink) Close() error {
	return nil
}
