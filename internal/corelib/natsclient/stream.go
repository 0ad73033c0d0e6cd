package natsclient

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamAudit is the durable stream that carries every appended
	// audit entry, so a SIEM or another kernel instance can subscribe
	// to the live feed instead of only polling audit.Log.Query.
	StreamAudit = "KERNEL_AUDIT"
	// SubjectAuditEntries carries one message per audit.Log.Log call.
	SubjectAuditEntries = "kernel.audit.>"
	// SubjectRevocations is the subject filter the stream reserves for
	// capability revoke/revoke_all tombstones. Nothing in the kernel
	// publishes to it or subscribes to it: a Broker learns of another
	// instance's revocations only from the durable store at Init.
	SubjectRevocations = "kernel.capability.revoked.>"
)

var streamSubjects = []string{SubjectAuditEntries, SubjectRevocations}

// ProvisionStreams idempotently ensures the KERNEL_AUDIT JetStream
// stream exists with the correct subject filter. It creates the
// stream on first run and is a no-op if the stream already exists.
func (c *Client) ProvisionStreams() error {
	info, err := c.JS.StreamInfo(StreamAudit)
	if err == nil {
		_ = info
		c.Log.Info("NATS stream already exists", zap.String("stream", StreamAudit))
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamAudit,
		Subjects:  streamSubjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned",
		zap.String("stream", StreamAudit),
		zap.Strings("subjects", streamSubjects),
	)
	return nil
}
