package mediation

import (
	"context"
	"sync"
	"time"

	"github.com/browserkernel/kernel/internal/audit"
	"github.com/browserkernel/kernel/internal/capability"
	"github.com/browserkernel/kernel/internal/objectid"
	"github.com/browserkernel/kernel/internal/objectmanager"
	"github.com/browserkernel/kernel/internal/transaction"
)

// CapabilityChecker is the subset of *capability.Broker the mediation
// layer needs. Satisfied directly by *capability.Broker. During the
// Runtime's dry-run capability inference pass (§4.5) require() records
// each request itself instead of calling the checker.
type CapabilityChecker interface {
	Require(ctx context.Context, principal, op, resource string, risk capability.RiskTier, provenance audit.Provenance, call capability.CallContext) (capability.RiskTier, error)
}

// Budget is the quota surface the Runtime enforces (wall-clock
// timeout, operation-count budget, cancellation). API charges every
// privileged call against it before doing any work, so the Runtime's
// accounting and the mediation wrapper stay in one place (§4.5).
type Budget interface {
	Charge(ctx context.Context, op string) error
}

// API is the sole entry point bound into agent code as `browser.*`
// (§6 "Mediated API surface"). One API is constructed per submission;
// it carries the principal, the submission's transaction stack, and
// the taint map used by the capability firewall (P6).
type API struct {
	principal string

	objects *objectmanager.Manager
	coord   *transaction.Coordinator
	caps    CapabilityChecker
	log     *audit.Log

	renderer   Renderer
	governance Governance
	budget     Budget

	nowFunc func() time.Time

	mu        sync.Mutex
	txStack   []*transaction.Transaction
	taint     map[string]audit.Provenance // object id -> last-known provenance
	dryRunCap []RequiredCapability
	dryRun    bool
}

// RequiredCapability is one (op, resource, risk) tuple a dry-run pass
// recorded as necessary for the submission to complete.
type RequiredCapability struct {
	Op       string
	Resource string
	Risk     capability.RiskTier
}

// Config bundles an API's collaborators.
type Config struct {
	Principal  string
	Objects    *objectmanager.Manager
	Coord      *transaction.Coordinator
	Caps       CapabilityChecker
	Log        *audit.Log
	Renderer   Renderer
	Governance Governance
	Budget     Budget
	DryRun     bool
}

// New constructs an API bound to one submission's principal and
// collaborators.
func New(cfg Config) *API {
	return &API{
		principal:  cfg.Principal,
		objects:    cfg.Objects,
		coord:      cfg.Coord,
		caps:       cfg.Caps,
		log:        cfg.Log,
		renderer:   cfg.Renderer,
		governance: cfg.Governance,
		budget:     cfg.Budget,
		nowFunc:    time.Now,
		taint:      make(map[string]audit.Provenance),
		dryRun:     cfg.DryRun,
	}
}

// RequiredCapabilities returns the set of (op, resource, risk) tuples
// recorded so far. Populated only when the API was constructed with
// Config.DryRun true.
func (a *API) RequiredCapabilities() []RequiredCapability {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RequiredCapability, len(a.dryRunCap))
	copy(out, a.dryRunCap)
	return out
}

func (a *API) currentTx() *transaction.Transaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.txStack) == 0 {
		return nil
	}
	return a.txStack[len(a.txStack)-1]
}

func (a *API) txIDs() (txID string) {
	if tx := a.currentTx(); tx != nil {
		return tx.ID()
	}
	return ""
}

// require charges the budget, then checks the capability through the
// checker, whose Broker writes the allow/deny audit entry. During a dry
// run it records the request instead, and neither checks nor logs it.
func (a *API) require(ctx context.Context, op, resource string, risk capability.RiskTier, provenance audit.Provenance, call capability.CallContext) error {
	if err := a.budget.Charge(ctx, op); err != nil {
		return err
	}

	if a.dryRun {
		a.mu.Lock()
		a.dryRunCap = append(a.dryRunCap, RequiredCapability{Op: op, Resource: resource, Risk: risk})
		a.mu.Unlock()
		return nil
	}

	_, err := a.caps.Require(ctx, a.principal, op, resource, risk, provenance, call)
	return err
}

// logCreation writes the audit entry pinning a creation op to its
// resulting object id, so audit.query(op=op).last().object equals the
// created object (P1) even though the capability check above ran
// against a resource pattern, not the not-yet-existing id.
func (a *API) logCreation(ctx context.Context, op, objectID string, provenance audit.Provenance, risk capability.RiskTier) error {
	if a.dryRun {
		return nil
	}
	_, err := a.log.Log(ctx, audit.Fields{
		Principal:    a.principal,
		Op:           op,
		ObjectID:     objectID,
		Result:       audit.ResultSuccess,
		TxID:         a.txIDs(),
		Provenance:   provenance,
		RiskTier:     audit.RiskTier(risk),
		CheckpointID: "",
	})
	return err
}

// logMutation writes the audit entry for a mediated mutation once the
// snapshot and update it requires have already run (I1: the entry
// must follow both the Broker's allow decision and any snapshot it
// takes) — the require() call above only authorizes the call, it does
// not stand in for this entry.
func (a *API) logMutation(ctx context.Context, op, objectID string, provenance audit.Provenance, risk capability.RiskTier, args map[string]any) error {
	if a.dryRun {
		return nil
	}
	_, err := a.log.Log(ctx, audit.Fields{
		Principal:  a.principal,
		Op:         op,
		ObjectID:   objectID,
		Args:       args,
		Result:     audit.ResultSuccess,
		TxID:       a.txIDs(),
		Provenance: provenance,
		RiskTier:   audit.RiskTier(risk),
	})
	return err
}

func (a *API) setTaint(id string, p audit.Provenance) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taint[id] = p
}

func (a *API) getTaint(id string) audit.Provenance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.taint[id]
}

// recordPreImage snapshots before into the innermost active
// transaction, if any (§4.4 — pre-images are only recorded when a
// transaction is open).
func (a *API) recordPreImage(id objectid.ID, before map[string]any) error {
	tx := a.currentTx()
	if tx == nil {
		return nil
	}
	return tx.RecordPreImage(id, before)
}

// --- Tab.* ---

// TabOpen opens a new tab, optionally scoped to an existing workspace.
// Risk T2.
func (a *API) TabOpen(ctx context.Context, url string, workspaceID string) (string, error) {
	resource := "tab:*"
	if workspaceID != "" {
		resource = "workspace:" + workspaceID
	}
	if err := a.require(ctx, "tab.open", resource, capability.T2Stateful, audit.ProvenanceAgent, capability.CallContext{URL: url, Now: a.nowFunc()}); err != nil {
		return "", err
	}
	if a.dryRun {
		return "tab:dryrun", nil
	}

	id, err := a.objects.Create(objectmanager.KindTab, map[string]any{
		"url":          url,
		"load_state":   string(objectmanager.LoadStateLoading),
		"workspace_id": workspaceID,
		"created_at":   a.nowFunc(),
	})
	if err != nil {
		return "", err
	}
	if err := a.logCreation(ctx, "tab.open", string(id), audit.ProvenanceAgent, capability.T2Stateful); err != nil {
		return "", err
	}
	return string(id), nil
}

// TabNavigate navigates an existing tab. Risk T2.
func (a *API) TabNavigate(ctx context.Context, tabID, url string) error {
	if err := a.require(ctx, "tab.navigate", tabID, capability.T2Stateful, audit.ProvenanceAgent, capability.CallContext{URL: url, Now: a.nowFunc()}); err != nil {
		return err
	}
	if a.dryRun {
		return nil
	}

	id := objectid.ID(tabID)
	before, _, err := a.objects.Update(id, func(cur map[string]any) (map[string]any, error) {
		cur["url"] = url
		cur["load_state"] = string(objectmanager.LoadStateLoading)
		return cur, nil
	})
	if err != nil {
		return err
	}
	if err := a.recordPreImage(id, before); err != nil {
		return err
	}

	state, err := navigateWithRetry(ctx, a.renderer, tabID, url)
	if err != nil {
		return &RendererError{Cause: err}
	}
	_, _, err = a.objects.Update(id, func(cur map[string]any) (map[string]any, error) {
		cur["load_state"] = string(state)
		return cur, nil
	})
	if err != nil {
		return err
	}
	return a.logMutation(ctx, "tab.navigate", tabID, audit.ProvenanceAgent, capability.T2Stateful, map[string]any{"url": url})
}

// TabWaitFor authorizes and audits a wait on tabID. Risk T1. It returns
// as soon as the capability check passes: state is not compared with
// the tab's load_state and the Renderer is not consulted.
func (a *API) TabWaitFor(ctx context.Context, tabID string, state objectmanager.LoadState) error {
	if err := a.require(ctx, "tab.wait_for", tabID, capability.T1Read, audit.ProvenanceAgent, capability.CallContext{Now: a.nowFunc()}); err != nil {
		return err
	}
	return nil
}

// TabExtract extracts structured content of kind from a tab. Risk T1.
// The result is always tagged web-content provenance, since it
// originates from rendered page content rather than the agent itself.
func (a *API) TabExtract(ctx context.Context, tabID string, kind ExtractKind) (any, error) {
	if err := a.require(ctx, "tab.extract", tabID, capability.T1Read, audit.ProvenanceWebContent, capability.CallContext{Now: a.nowFunc()}); err != nil {
		return nil, err
	}
	a.setTaint(tabID, audit.ProvenanceWebContent)
	if a.dryRun {
		return map[string]any{}, nil
	}

	content, err := a.renderer.Extract(ctx, tabID, kind)
	if err != nil {
		return nil, &RendererError{Cause: err}
	}
	return content, nil
}

// --- Form.* ---

// FormFind discovers a form of the given kind within tabID, creating a
// new Form object. Risk T1 (read), but a creation op for P1 purposes.
func (a *API) FormFind(ctx context.Context, tabID string, kind objectmanager.FormKind) (string, error) {
	if err := a.require(ctx, "form.find", tabID, capability.T1Read, audit.ProvenanceAgent, capability.CallContext{Now: a.nowFunc()}); err != nil {
		return "", err
	}
	if a.dryRun {
		return "form:dryrun", nil
	}

	id, err := a.objects.Create(objectmanager.KindForm, map[string]any{
		"tab_id":    tabID,
		"kind":      string(kind),
		"fields":    map[string]any{},
		"submitted": false,
	})
	if err != nil {
		return "", err
	}
	if err := a.logCreation(ctx, "form.find", string(id), audit.ProvenanceAgent, capability.T1Read); err != nil {
		return "", err
	}
	// A form discovered inside a tab inherits that tab's taint, so a
	// form filled from web-content-derived extraction is still caught
	// by the firewall at submit time.
	a.setTaint(string(id), a.getTaint(tabID))
	return string(id), nil
}

// FormFill fills a form's fields. values carries each field's
// provenance alongside its string value, so tainted input propagates
// to the form (§4.5 argument taint propagation). Risk T2.
func (a *API) FormFill(ctx context.Context, formID string, values map[string]FieldValue) error {
	if err := a.require(ctx, "form.fill", formID, capability.T2Stateful, audit.ProvenanceAgent, capability.CallContext{Now: a.nowFunc()}); err != nil {
		return err
	}
	if a.dryRun {
		return nil
	}

	id := objectid.ID(formID)
	fields := make(map[string]string, len(values))
	provenance := a.getTaint(formID)
	for k, v := range values {
		fields[k] = v.Value
		provenance = mergeProvenance(provenance, v.Provenance)
	}

	before, _, err := a.objects.Update(id, func(cur map[string]any) (map[string]any, error) {
		cur["fields"] = fields
		return cur, nil
	})
	if err != nil {
		return err
	}
	if err := a.recordPreImage(id, before); err != nil {
		return err
	}
	a.setTaint(formID, provenance)
	args := make(map[string]any, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return a.logMutation(ctx, "form.fill", formID, audit.ProvenanceAgent, capability.T2Stateful, args)
}

// FieldValue is one form field's value and the provenance of the data
// it came from.
type FieldValue struct {
	Value      string
	Provenance audit.Provenance
}

// FormSubmit submits a form. Risk T3: irreversible, subject to both
// the commit-boundary rule and the capability firewall (P6).
func (a *API) FormSubmit(ctx context.Context, formID string) error {
	if a.getTaint(formID) == audit.ProvenanceWebContent {
		if !a.dryRun {
			a.auditFirewallDenial(ctx, "form.submit", formID)
		}
		return &SecurityError{Rule: "firewall", Op: "form.submit", Provenance: audit.ProvenanceWebContent}
	}

	tx := a.currentTx()
	if tx != nil {
		if err := tx.AdmitT3(); err != nil {
			return err
		}
	}

	if err := a.require(ctx, "form.submit", formID, capability.T3Irreversible, audit.ProvenanceAgent, capability.CallContext{Now: a.nowFunc()}); err != nil {
		return err
	}
	if a.dryRun {
		return nil
	}

	id := objectid.ID(formID)
	before, _, err := a.objects.Update(id, func(cur map[string]any) (map[string]any, error) {
		cur["submitted"] = true
		return cur, nil
	})
	if err != nil {
		return err
	}
	if err := a.recordPreImage(id, before); err != nil {
		return err
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return err
		}
		a.popTx()
	}
	return a.logMutation(ctx, "form.submit", formID, audit.ProvenanceAgent, capability.T3Irreversible, nil)
}

// auditFirewallDenial records the one denied entry P6 requires when
// the firewall — not the Broker — refuses a call.
func (a *API) auditFirewallDenial(ctx context.Context, op, resource string) {
	_, _ = a.log.Log(ctx, audit.Fields{
		Principal:  a.principal,
		Op:         op,
		ObjectID:   resource,
		Result:     audit.ResultDenied,
		ErrorKind:  audit.ErrorKindFirewall,
		TxID:       a.txIDs(),
		Provenance: audit.ProvenanceWebContent,
		RiskTier:   audit.RiskTier(capability.T3Irreversible),
	})
}

// --- Credential.* ---

// CredentialUse exchanges a credential handle for a bearer reference.
// Risk T3; taint propagates from handleProvenance the same as any
// other T3 call (P6).
func (a *API) CredentialUse(ctx context.Context, handle string, handleProvenance audit.Provenance) (string, error) {
	if handleProvenance == audit.ProvenanceWebContent {
		if !a.dryRun {
			a.auditFirewallDenial(ctx, "credential.use", handle)
		}
		return "", &SecurityError{Rule: "firewall", Op: "credential.use", Provenance: audit.ProvenanceWebContent}
	}

	tx := a.currentTx()
	if tx != nil {
		if err := tx.AdmitT3(); err != nil {
			return "", err
		}
	}

	if err := a.require(ctx, "credential.use", handle, capability.T3Irreversible, audit.ProvenanceAgent, capability.CallContext{Now: a.nowFunc()}); err != nil {
		return "", err
	}
	if a.dryRun {
		return "bearer:dryrun", nil
	}

	bearerRef := "bearer:" + handle
	if tx != nil {
		if err := tx.Commit(); err != nil {
			return "", err
		}
		a.popTx()
	}
	args := map[string]any{"handle": handle, "bearer_token": bearerRef}
	if err := a.logMutation(ctx, "credential.use", handle, audit.ProvenanceAgent, capability.T3Irreversible, args); err != nil {
		return "", err
	}
	return bearerRef, nil
}

// --- transaction control ---

// TxBegin starts a new transaction, nested under the submission's
// currently open transaction if any.
func (a *API) TxBegin() string {
	a.mu.Lock()
	var parent *transaction.Transaction
	if len(a.txStack) > 0 {
		parent = a.txStack[len(a.txStack)-1]
	}
	a.mu.Unlock()

	tx := a.coord.Begin(parent)
	a.mu.Lock()
	a.txStack = append(a.txStack, tx)
	a.mu.Unlock()
	return tx.ID()
}

// TxCheckpoint records a named checkpoint in the current transaction.
func (a *API) TxCheckpoint(label string) (string, error) {
	tx := a.currentTx()
	if tx == nil {
		return "", &transaction.TransactionClosedError{TxID: "", State: transaction.StateAborted}
	}
	return tx.Checkpoint(label)
}

// TxRollback rolls the current transaction back to label (or to
// start, if label is empty).
func (a *API) TxRollback(label string) error {
	tx := a.currentTx()
	if tx == nil {
		return &transaction.TransactionClosedError{TxID: "", State: transaction.StateAborted}
	}
	return tx.Rollback(label)
}

// TxCommit commits and pops the current transaction.
func (a *API) TxCommit() error {
	tx := a.currentTx()
	if tx == nil {
		return &transaction.TransactionClosedError{TxID: "", State: transaction.StateAborted}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	a.popTx()
	return nil
}

// TxAbort aborts and pops the current transaction.
func (a *API) TxAbort() error {
	tx := a.currentTx()
	if tx == nil {
		return &transaction.TransactionClosedError{TxID: "", State: transaction.StateAborted}
	}
	if err := tx.Abort(); err != nil {
		return err
	}
	a.popTx()
	return nil
}

// AbortAll aborts every transaction this submission still has open,
// innermost first. Called by the Runtime on timeout, quota exhaustion
// and cancellation (§5 "any active transaction is aborted").
func (a *API) AbortAll() error {
	for {
		tx := a.currentTx()
		if tx == nil {
			return nil
		}
		if tx.State() == transaction.StateActive {
			if err := tx.Abort(); err != nil {
				return err
			}
		}
		a.popTx()
	}
}

func (a *API) popTx() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.txStack) > 0 {
		a.txStack = a.txStack[:len(a.txStack)-1]
	}
}

// --- human / audit surface ---

// HumanApprove blocks on the governance collaborator's decision. Risk
// T1, mediated through the Broker like every other surface call (§6
// lists human.approve at T1_READ): the request for a human decision
// is itself authorized and logged, independently of the decision the
// human eventually returns.
func (a *API) HumanApprove(ctx context.Context, prompt string, risk string) (ApprovalDecision, error) {
	if err := a.require(ctx, "human.approve", "approval:*", capability.T1Read, audit.ProvenanceAgent, capability.CallContext{Now: a.nowFunc()}); err != nil {
		return Deny, err
	}
	if a.dryRun || a.governance == nil {
		return ApproveOnce, nil
	}
	return a.governance.Approve(ctx, prompt, risk)
}

// AuditQuery runs a read-only query through the Audit Log, routing
// even operational tooling through the one mediated path (§6.2) and
// the Broker, like every other T1_READ call.
func (a *API) AuditQuery(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	if err := a.require(ctx, "audit.query", "audit:*", capability.T1Read, audit.ProvenanceAgent, capability.CallContext{Now: a.nowFunc()}); err != nil {
		return nil, err
	}
	return a.log.Query(ctx, filter)
}
