package mediation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserkernel/kernel/internal/audit"
	"github.com/browserkernel/kernel/internal/capability"
	"github.com/browserkernel/kernel/internal/objectid"
	"github.com/browserkernel/kernel/internal/objectmanager"
	"github.com/browserkernel/kernel/internal/transaction"
)

// unlimitedBudget never denies; used for tests that aren't exercising
// the Agent Runtime's quota enforcement directly.
type unlimitedBudget struct{}

func (unlimitedBudget) Charge(ctx context.Context, op string) error { return nil }

type fixture struct {
	api    *API
	mgr    *objectmanager.Manager
	broker *capability.Broker
	log    *audit.Log
	coord  *transaction.Coordinator
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	salt, err := audit.NewSalt()
	require.NoError(t, err)
	store := audit.NewMemoryStore()
	log := audit.New(store, nil, salt)

	capStore := capability.NewMemoryStore()
	broker := capability.New(capStore, log)
	require.NoError(t, broker.Init(context.Background()))

	mgr := objectmanager.New()
	coord := transaction.New(mgr)

	api := New(Config{
		Principal:  "agent:1",
		Objects:    mgr,
		Coord:      coord,
		Caps:       broker,
		Log:        log,
		Renderer:   NewMockRenderer(),
		Governance: nil,
		Budget:     unlimitedBudget{},
	})

	return fixture{api: api, mgr: mgr, broker: broker, log: log, coord: coord}
}

func TestAPI_TabOpenRequiresGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.api.TabOpen(ctx, "https://example.com", "")
	require.Error(t, err)
	var denied *capability.CapabilityDenied
	require.ErrorAs(t, err, &denied)
}

func TestAPI_TabOpenSucceedsWithGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.broker.Grant(ctx, "agent:1", "tab.open", "tab:*", capability.T2Stateful, nil)
	require.NoError(t, err)

	tabID, err := f.api.TabOpen(ctx, "https://example.com", "")
	require.NoError(t, err)
	assert.NotEmpty(t, tabID)

	entries, err := f.log.Query(ctx, audit.Filter{Principal: "agent:1", OpPattern: "tab.open"})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, tabID, last.ObjectID, "P1: last entry for the op names the created object")
}

func TestAPI_CapabilityFirewallBlocksWebContentIntoFormSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.broker.Grant(ctx, "agent:1", "tab.open", "tab:*", capability.T2Stateful, nil)
	require.NoError(t, err)
	_, err = f.broker.Grant(ctx, "agent:1", "tab.extract", "tab:*", capability.T1Read, nil)
	require.NoError(t, err)
	_, err = f.broker.Grant(ctx, "agent:1", "form.find", "tab:*", capability.T1Read, nil)
	require.NoError(t, err)
	_, err = f.broker.Grant(ctx, "agent:1", "form.fill", "form:*", capability.T2Stateful, nil)
	require.NoError(t, err)
	_, err = f.broker.Grant(ctx, "agent:1", "form.submit", "form:*", capability.T3Irreversible, nil)
	require.NoError(t, err)

	tabID, err := f.api.TabOpen(ctx, "https://example.com", "")
	require.NoError(t, err)
	_, err = f.api.TabExtract(ctx, tabID, ExtractForms)
	require.NoError(t, err)

	formID, err := f.api.FormFind(ctx, tabID, objectmanager.FormKindLogin)
	require.NoError(t, err)

	err = f.api.FormFill(ctx, formID, map[string]FieldValue{
		"username": {Value: "extracted-from-page", Provenance: audit.ProvenanceWebContent},
	})
	require.NoError(t, err)

	err = f.api.FormSubmit(ctx, formID)
	require.Error(t, err)
	var sec *SecurityError
	require.ErrorAs(t, err, &sec)
	assert.Equal(t, "firewall", sec.Rule)

	entries, err := f.log.Query(ctx, audit.Filter{Principal: "agent:1", OpPattern: "form.submit"})
	require.NoError(t, err)
	require.Len(t, entries, 1, "P6: exactly one denied entry, no submission occurred")
	assert.Equal(t, audit.ResultDenied, entries[0].Result)
	assert.Equal(t, audit.ErrorKindFirewall, entries[0].ErrorKind)
}

func TestAPI_FormSubmitAllowedWhenNotTainted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.broker.Grant(ctx, "agent:1", "tab.open", "tab:*", capability.T2Stateful, nil)
	require.NoError(t, err)
	_, err = f.broker.Grant(ctx, "agent:1", "form.find", "tab:*", capability.T1Read, nil)
	require.NoError(t, err)
	_, err = f.broker.Grant(ctx, "agent:1", "form.fill", "form:*", capability.T2Stateful, nil)
	require.NoError(t, err)
	_, err = f.broker.Grant(ctx, "agent:1", "form.submit", "form:*", capability.T3Irreversible, nil)
	require.NoError(t, err)

	tabID, err := f.api.TabOpen(ctx, "https://example.com", "")
	require.NoError(t, err)
	formID, err := f.api.FormFind(ctx, tabID, objectmanager.FormKindLogin)
	require.NoError(t, err)

	require.NoError(t, f.api.FormFill(ctx, formID, map[string]FieldValue{
		"username": {Value: "me", Provenance: audit.ProvenanceUser},
	}))
	require.NoError(t, f.api.FormSubmit(ctx, formID))
}

func TestAPI_TransactionCheckpointRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.broker.Grant(ctx, "agent:1", "tab.open", "tab:*", capability.T2Stateful, nil)
	require.NoError(t, err)
	_, err = f.broker.Grant(ctx, "agent:1", "tab.navigate", "tab:*", capability.T2Stateful, nil)
	require.NoError(t, err)

	f.api.TxBegin()
	tabID, err := f.api.TabOpen(ctx, "https://a.example", "")
	require.NoError(t, err)

	_, err = f.api.TxCheckpoint("pre")
	require.NoError(t, err)

	require.NoError(t, f.api.TabNavigate(ctx, tabID, "https://b.example"))

	require.NoError(t, f.api.TxRollback("pre"))

	view, err := f.mgr.Get(objectid.ID(tabID))
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", view["url"])
}

func TestAPI_DryRunRecordsRequiredCapabilitiesWithoutDenying(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// No grants at all exist; a dry-run API must not raise CapabilityDenied.
	dryAPI := New(Config{
		Principal: "agent:1",
		Objects:   f.mgr,
		Coord:     f.coord,
		Caps:      f.broker,
		Log:       f.log,
		Renderer:  NewMockRenderer(),
		Budget:    unlimitedBudget{},
		DryRun:    true,
	})

	_, err := dryAPI.TabOpen(ctx, "https://example.com", "")
	require.NoError(t, err)

	reqs := dryAPI.RequiredCapabilities()
	require.Len(t, reqs, 1)
	assert.Equal(t, "tab.open", reqs[0].Op)
	assert.Equal(t, capability.T2Stateful, reqs[0].Risk)
}

func TestAPI_AbortAllAbortsEveryOpenTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.broker.Grant(ctx, "agent:1", "tab.open", "tab:*", capability.T2Stateful, nil)
	require.NoError(t, err)

	f.api.TxBegin()
	f.api.TxBegin()
	_, err = f.api.TabOpen(ctx, "https://example.com", "")
	require.NoError(t, err)

	require.NoError(t, f.api.AbortAll())
	assert.Nil(t, f.api.currentTx())
}

func TestAPI_HumanApproveBlocksOnGovernance(t *testing.T) {
	f := newFixture(t)
	gov := &recordingGovernance{decision: ApproveSession}
	f.api.governance = gov

	ctx := context.Background()
	_, err := f.broker.Grant(ctx, "agent:1", "human.approve", "approval:*", capability.T1Read, nil)
	require.NoError(t, err)

	decision, err := f.api.HumanApprove(ctx, "allow checkout?", string(capability.T3Irreversible))
	require.NoError(t, err)
	assert.Equal(t, ApproveSession, decision)
	assert.Equal(t, "allow checkout?", gov.lastPrompt)
}

type recordingGovernance struct {
	decision   ApprovalDecision
	lastPrompt string
}

func (g *recordingGovernance) Approve(ctx context.Context, prompt string, risk string) (ApprovalDecision, error) {
	g.lastPrompt = prompt
	return g.decision, nil
}
