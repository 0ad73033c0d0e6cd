package mediation

import (
	"context"
	"sync"

	"github.com/browserkernel/kernel/internal/objectmanager"
)

// ExtractKind enumerates the structured views tab.extract() can
// produce.
type ExtractKind string

const (
	ExtractMarkdown ExtractKind = "markdown"
	ExtractForms    ExtractKind = "forms"
	ExtractTables   ExtractKind = "tables"
	ExtractLinks    ExtractKind = "links"
)

// Renderer is the out-of-scope rendering collaborator: all calls are
// message-oriented and cancellable via ctx (§6 "Renderer collaborator").
type Renderer interface {
	Navigate(ctx context.Context, tabID, url string) (objectmanager.LoadState, error)
	Extract(ctx context.Context, tabID string, kind ExtractKind) (any, error)
	Dispose(ctx context.Context, tabID string) error
}

// ApprovalDecision is a human governance collaborator's answer to an
// approve() prompt.
type ApprovalDecision string

const (
	ApproveOnce    ApprovalDecision = "approve_once"
	ApproveSession ApprovalDecision = "approve_session"
	Deny           ApprovalDecision = "deny"
)

// TransientRendererError is implemented by Renderer errors that are
// safe to retry (connection drop, navigation timeout inside the
// renderer process) as opposed to errors the retry loop must not mask
// (a malformed URL will fail identically on every attempt).
type TransientRendererError interface {
	error
	Transient() bool
}

// Governance is the out-of-scope human governance collaborator (§6).
// Results feed Broker grants with appropriate scope; wiring an
// approval decision into a new grant is left to the caller of
// human.approve, since scope/duration policy is a deployment concern.
type Governance interface {
	Approve(ctx context.Context, prompt string, risk string) (ApprovalDecision, error)
}

// MockRenderer is a deterministic, in-memory Renderer used by kernel
// tests (§6: "a Mock Renderer implementation is provided for kernel
// tests").
type MockRenderer struct {
	mu       sync.Mutex
	pages    map[string]map[string]any // url -> extract-kind -> content
	tabURL   map[string]string         // tab_id -> last navigated url
	disposed map[string]bool
}

// NewMockRenderer returns a MockRenderer with no pages registered; use
// SetPage to seed navigation/extraction responses for a URL.
func NewMockRenderer() *MockRenderer {
	return &MockRenderer{
		pages:    make(map[string]map[string]any),
		tabURL:   make(map[string]string),
		disposed: make(map[string]bool),
	}
}

// SetPage registers the structured content returned by Extract for any
// tab last navigated to url.
func (m *MockRenderer) SetPage(url string, content map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[url] = content
}

func (m *MockRenderer) Navigate(ctx context.Context, tabID, url string) (objectmanager.LoadState, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabURL[tabID] = url
	return objectmanager.LoadStateComplete, nil
}

func (m *MockRenderer) Extract(ctx context.Context, tabID string, kind ExtractKind) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	content := m.pages[m.tabURL[tabID]]
	if content == nil {
		return map[string]any{}, nil
	}
	return content[string(kind)], nil
}

func (m *MockRenderer) Dispose(ctx context.Context, tabID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed[tabID] = true
	return nil
}
