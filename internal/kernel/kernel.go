// Package kernel wires the five subsystems — Audit Log, Object
// Manager, Capability Broker, Transaction Coordinator, Agent Runtime —
// into a single process-wide instance with an explicit Init/Shutdown
// pair. There is no package-level ambient state: every dependent
// receives its collaborators as constructor parameters (§9 "Global
// state").
package kernel

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/browserkernel/kernel/internal/audit"
	"github.com/browserkernel/kernel/internal/capability"
	"github.com/browserkernel/kernel/internal/corelib/natsclient"
	"github.com/browserkernel/kernel/internal/mediation"
	"github.com/browserkernel/kernel/internal/objectmanager"
	"github.com/browserkernel/kernel/internal/runtime"
	"github.com/browserkernel/kernel/internal/runtime/admission"
	"github.com/browserkernel/kernel/internal/transaction"
)

// StorePaths selects the durable backing store for the Audit Log and
// Capability Broker. A zero-value StorePaths (no Pool) runs both
// subsystems purely in-memory — the configuration an embedded or test
// kernel uses.
type StorePaths struct {
	Pool         *pgxpool.Pool
	NATS         *natsclient.Client
	AuditSubject string // e.g. "kernel.audit." + deployment id
	AuditSalt    []byte // previously persisted salt bytes supplied by the caller; nil generates a fresh one
}

// Config bundles everything Init needs to stand up a Kernel.
type Config struct {
	Store      StorePaths
	Renderer   mediation.Renderer
	Governance mediation.Governance
}

// Kernel is the process-wide handle onto the five mediated
// subsystems. Callers obtain one via Init and must call Shutdown
// before process exit.
type Kernel struct {
	Audit        *audit.Log
	Objects      *objectmanager.Manager
	Capabilities *capability.Broker
	Transactions *transaction.Coordinator
	Agents       *runtime.Runtime

	nats *natsclient.Client
}

// Init constructs and starts the kernel's subsystems: it loads the
// Capability Broker's non-revoked grants from the durable store (§4.3
// "replays ... at process start"), compiles the Agent Runtime's
// admission policy once, and wires the Renderer/Governance
// collaborators into every subsequent Agent Runtime submission.
func Init(ctx context.Context, cfg Config) (*Kernel, error) {
	salt, err := resolveSalt(cfg.Store.AuditSalt)
	if err != nil {
		return nil, fmt.Errorf("audit salt: %w", err)
	}

	var auditStore audit.Store
	var capStore capability.Store
	if cfg.Store.Pool != nil {
		auditStore = audit.NewPostgresStore(cfg.Store.Pool)
		capStore = capability.NewPostgresStore(cfg.Store.Pool)
	} else {
		auditStore = audit.NewMemoryStore()
		capStore = capability.NewMemoryStore()
	}

	var publisher audit.Publisher
	if cfg.Store.NATS != nil {
		subject := cfg.Store.AuditSubject
		if subject == "" {
			subject = natsclient.SubjectAuditEntries
		}
		publisher = audit.NewNATSOutbox(cfg.Store.NATS, subject)
	}

	auditLog := audit.New(auditStore, publisher, salt)

	broker := capability.New(capStore, auditLog)
	if err := broker.Init(ctx); err != nil {
		return nil, fmt.Errorf("capability broker init: %w", err)
	}

	objects := objectmanager.New()
	coord := transaction.New(objects)

	policy, err := admission.NewPolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("admission policy: %w", err)
	}

	agents := runtime.New(runtime.Config{
		Objects:    objects,
		Coord:      coord,
		Broker:     broker,
		Log:        auditLog,
		Policy:     policy,
		Renderer:   cfg.Renderer,
		Governance: cfg.Governance,
	})

	return &Kernel{
		Audit:        auditLog,
		Objects:      objects,
		Capabilities: broker,
		Transactions: coord,
		Agents:       agents,
		nats:         cfg.Store.NATS,
	}, nil
}

// Shutdown releases the kernel's external connections. It does not
// touch in-flight submissions; callers drain the Agent Runtime first.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.nats != nil {
		k.nats.Close()
	}
	return nil
}

func resolveSalt(persisted []byte) (*audit.Salt, error) {
	if persisted == nil {
		return audit.NewSalt()
	}
	return audit.SaltFromBytes(persisted), nil
}
