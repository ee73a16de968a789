package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"grantflow/internal/config"
	"grantflow/internal/db"
	"grantflow/internal/directory"
	"grantflow/internal/domain"
	"grantflow/internal/engine"
	"grantflow/internal/engine/auth"
	"grantflow/internal/migrate"
	"grantflow/internal/notify"
	"grantflow/internal/repo"
	"grantflow/internal/workflow"
)

const (
	pi       = "pi-1"
	dean     = "dean-sci"
	veep     = "veep"
	provost  = "provost"
	ospAdmin = "osp-admin"
)

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (r *recorder) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Event)
	}
	return out
}

func (r *recorder) last() notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return notify.Message{}
	}
	return r.msgs[len(r.msgs)-1]
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Sent   *recorder
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("Test University")
	eng := engine.New(conn, cfg, directory.NewStatic(cfg))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	rec := &recorder{}
	eng.Dispatcher.Notifier = rec
	return testEnv{Engine: eng, Ctx: context.Background(), Sent: rec}
}

func (env testEnv) submit(t *testing.T, department string) domain.Proposal {
	t.Helper()
	title := "Coral reef survey"
	p, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalInput{Title: &title, Department: &department}, pi)
	if err != nil {
		t.Fatalf("submit proposal: %v", err)
	}
	return p
}

func (env testEnv) status(t *testing.T, id, actor string, status workflow.Status) engine.StatusResult {
	t.Helper()
	res, err := env.Engine.SetStatus(env.Ctx, engine.StatusRequest{ProposalID: id, ActorID: actor, Status: string(status)})
	if err != nil {
		t.Fatalf("%s %s by %s: %v", status, id, actor, err)
	}
	return res
}

func (env testEnv) submitPartB(t *testing.T, id string) engine.ProposalView {
	t.Helper()
	funds := "internal"
	view, err := env.Engine.SaveImpact(env.Ctx, engine.ImpactRequest{ProposalID: id, ActorID: pi, Submit: true, Input: engine.ImpactInput{Funds: &funds}})
	if err != nil {
		t.Fatalf("submit part b: %v", err)
	}
	return view
}

func TestApprovalChainEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "BIO")
	if got := env.Sent.last(); got.Event != string(workflow.EventProposalSubmitted) || got.Recipients[0].ID != dean {
		t.Fatalf("expected proposal_submitted to dean, got %+v", got)
	}

	res := env.status(t, p.ID, dean, workflow.StatusApprove)
	if res.Message != "Dean/VP approved Part A" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if !res.Proposal.Level3 || env.Sent.last().Event != string(workflow.EventApprovedPartA) {
		t.Fatalf("part a not approved: %+v %v", res.Proposal, env.Sent.events())
	}

	view := env.submitPartB(t, p.ID)
	if !view.Proposal.SaveSubmit || view.Impact == nil {
		t.Fatalf("part b not submitted: %+v", view.Proposal)
	}
	if env.Sent.last().Event != string(workflow.EventApproveLevel3Pending) {
		t.Fatalf("expected level3 pending, got %v", env.Sent.events())
	}

	res = env.status(t, p.ID, dean, workflow.StatusApprove)
	if res.Message != "Division Dean approved Part B" || !res.Impact.Level3 {
		t.Fatalf("dean part b: %q %+v", res.Message, res.Impact)
	}
	last := env.Sent.last()
	if last.Event != string(workflow.EventApproveLevel1Pending) || len(last.Recipients) != 2 {
		t.Fatalf("expected level1 pending to vp and provost, got %+v", last)
	}

	res = env.status(t, p.ID, veep, workflow.StatusApprove)
	if res.Message != "VP for Business approved Part B" || res.Proposal.EmailApproved {
		t.Fatalf("vp: %q email_approved=%v", res.Message, res.Proposal.EmailApproved)
	}
	res = env.status(t, p.ID, provost, workflow.StatusApprove)
	if res.Message != "Provost approved Part B" {
		t.Fatalf("provost: %q", res.Message)
	}
	if !res.Proposal.EmailApproved || !res.Impact.Level1 {
		t.Fatalf("expected final approval, got %+v %+v", res.Proposal, res.Impact)
	}
	if env.Sent.last().Event != string(workflow.EventFinalApproved) {
		t.Fatalf("expected final_approved, got %v", env.Sent.events())
	}

	// A repeat approval must not announce the final approval again.
	env.status(t, p.ID, provost, workflow.StatusApprove)
	count := 0
	for _, ev := range env.Sent.events() {
		if ev == string(workflow.EventFinalApproved) {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("final_approved sent %d times", count)
	}

	pending, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{Status: domain.NotificationPending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty outbox, got %d", len(pending))
	}
}

func TestRejectionLeavesProposalUntouched(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "BIO")

	_, err := env.Engine.SetStatus(env.Ctx, engine.StatusRequest{ProposalID: p.ID, ActorID: "stranger", Status: "approve"})
	var denied workflow.PermissionDenied
	if !errors.As(err, &denied) || err.Error() != "Access Denied" {
		t.Fatalf("expected access denied, got %v", err)
	}
	_, err = env.Engine.SetStatus(env.Ctx, engine.StatusRequest{ProposalID: p.ID, ActorID: dean, Status: "bogus"})
	var invalid workflow.InvalidState
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	after, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if after.Version != p.Version || after.Level3 {
		t.Fatalf("rejected transition changed the proposal: %+v", after)
	}
}

func TestStepTwoRequiresImpact(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "BIO")
	env.status(t, p.ID, dean, workflow.StatusApprove)

	_, err := env.Engine.SetStatus(env.Ctx, engine.StatusRequest{ProposalID: p.ID, ActorID: dean, Status: "approve"})
	var invalid workflow.InvalidState
	if !errors.As(err, &invalid) || invalid.Message != "Step 2 has not been initiated" {
		t.Fatalf("expected step 2 not initiated, got %v", err)
	}
}

func TestSaveImpactRequiresPartA(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "BIO")
	_, err := env.Engine.SaveImpact(env.Ctx, engine.ImpactRequest{ProposalID: p.ID, ActorID: pi})
	var invalid workflow.InvalidState
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid state before part a approval, got %v", err)
	}
}

func TestOwnerLockedOutAfterPartBSubmit(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "BIO")
	env.status(t, p.ID, dean, workflow.StatusApprove)
	env.submitPartB(t, p.ID)

	title := "Edited"
	_, err := env.Engine.UpdateProposal(env.Ctx, engine.UpdateRequest{ProposalID: p.ID, ActorID: pi, Input: engine.ProposalInput{Title: &title}})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for owner, got %v", err)
	}
	_, err = env.Engine.SaveImpact(env.Ctx, engine.ImpactRequest{ProposalID: p.ID, ActorID: pi})
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden impact edit, got %v", err)
	}

	updated, err := env.Engine.UpdateProposal(env.Ctx, engine.UpdateRequest{ProposalID: p.ID, ActorID: ospAdmin, Input: engine.ProposalInput{Title: &title}})
	if err != nil {
		t.Fatalf("osp edit: %v", err)
	}
	if updated.Title != "Edited" {
		t.Fatalf("title not updated: %q", updated.Title)
	}
}

func TestStaleVersionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "BIO")
	title := "Second title"
	if _, err := env.Engine.UpdateProposal(env.Ctx, engine.UpdateRequest{ProposalID: p.ID, ActorID: pi, Version: p.Version, Input: engine.ProposalInput{Title: &title}}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	_, err := env.Engine.UpdateProposal(env.Ctx, engine.UpdateRequest{ProposalID: p.ID, ActorID: pi, Version: p.Version, Input: engine.ProposalInput{Title: &title}})
	if !errors.Is(err, repo.ErrOptimisticLock) {
		t.Fatalf("expected optimistic lock error, got %v", err)
	}
}

func TestReopenedProposalIsResubmitted(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "BIO")
	res := env.status(t, p.ID, dean, workflow.StatusNeedsWork)
	if !res.Proposal.Opened || res.Proposal.ProposalType != domain.ProposalTypeRevised {
		t.Fatalf("needswork did not reopen: %+v", res.Proposal)
	}
	if env.Sent.last().Event != string(workflow.EventNeedsWork) {
		t.Fatalf("expected needswork mail, got %v", env.Sent.events())
	}

	summary := "Clarified scope"
	updated, err := env.Engine.UpdateProposal(env.Ctx, engine.UpdateRequest{ProposalID: p.ID, ActorID: pi, Input: engine.ProposalInput{Summary: &summary}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Opened {
		t.Fatalf("opened flag should clear on resubmit")
	}
	if env.Sent.last().Event != string(workflow.EventProposalSubmitted) {
		t.Fatalf("expected resubmission mail, got %v", env.Sent.events())
	}
}

func TestAddApprover(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "BIO")

	_, err := env.Engine.AddApprover(env.Ctx, engine.ApproverRequest{ProposalID: p.ID, ActorID: "stranger", UserID: "reviewer"})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	a, err := env.Engine.AddApprover(env.Ctx, engine.ApproverRequest{ProposalID: p.ID, ActorID: dean, UserID: "reviewer"})
	if err != nil {
		t.Fatalf("add approver: %v", err)
	}
	if a.Replaces != domain.LevelNone {
		t.Fatalf("faculty department should default to no replacement, got %s", a.Replaces)
	}
	if env.Sent.last().Event != string(workflow.EventApproverAssigned) {
		t.Fatalf("expected approver_assigned, got %v", env.Sent.events())
	}
	if _, err := env.Engine.AddApprover(env.Ctx, engine.ApproverRequest{ProposalID: p.ID, ActorID: dean, UserID: "reviewer"}); !errors.Is(err, engine.ErrApproverExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	staff := env.submit(t, "FAC")
	a, err = env.Engine.AddApprover(env.Ctx, engine.ApproverRequest{ProposalID: staff.ID, ActorID: ospAdmin, UserID: "facilities-lead"})
	if err != nil {
		t.Fatalf("add staff approver: %v", err)
	}
	if a.Replaces != domain.Level3 {
		t.Fatalf("staff department should default to level3, got %s", a.Replaces)
	}

	for _, lvl := range []string{"level2", "level1"} {
		_, err := env.Engine.AddApprover(env.Ctx, engine.ApproverRequest{ProposalID: p.ID, ActorID: ospAdmin, UserID: "stand-in-" + lvl, Replaces: lvl})
		if err == nil || !strings.Contains(err.Error(), "invalid replaces") {
			t.Fatalf("replaces=%s should be rejected, got %v", lvl, err)
		}
	}
	view, err := env.Engine.GetProposal(env.Ctx, p.ID, ospAdmin)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if len(view.Approvers) != 1 {
		t.Fatalf("rejected assignments were stored: %+v", view.Approvers)
	}
}

func TestReplacingApproverCompletesPartA(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "FAC")
	if _, err := env.Engine.AddApprover(env.Ctx, engine.ApproverRequest{ProposalID: p.ID, ActorID: ospAdmin, UserID: "facilities-lead"}); err != nil {
		t.Fatalf("add approver: %v", err)
	}
	res := env.status(t, p.ID, "facilities-lead", workflow.StatusApprove)
	if !res.Proposal.Level3 || !res.Approvers[0].Step1 {
		t.Fatalf("replacing approver should set dean level: %+v", res)
	}
	if res.Message != "Approved by facilities-lead" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if env.Sent.last().Event != string(workflow.EventApprovedPartA) {
		t.Fatalf("expected approved_part_a, got %v", env.Sent.events())
	}
}

func TestFailedDeliveryIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.Sent.err = errors.New("smtp down")
	p := env.submit(t, "BIO")

	rows, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{ProposalID: p.ID})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != domain.NotificationPending || rows[0].Attempts != 1 || rows[0].LastError != "smtp down" {
		t.Fatalf("unexpected outbox rows: %+v", rows)
	}

	env.Sent.err = nil
	sent, failed, err := env.Engine.RetryNotifications(env.Ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sent != 1 || failed != 0 {
		t.Fatalf("expected 1 sent, got sent=%d failed=%d", sent, failed)
	}
	n, err := env.Engine.Repo.GetNotification(env.Ctx, rows[0].ID)
	if err != nil {
		t.Fatalf("get notification: %v", err)
	}
	if n.Status != domain.NotificationSent {
		t.Fatalf("expected sent, got %s", n.Status)
	}
}

func TestListProposalsScope(t *testing.T) {
	env := newTestEnv(t)
	bio := env.submit(t, "BIO")
	env.submit(t, "ENG")

	check := func(actor string, want int) {
		t.Helper()
		list, err := env.Engine.ListProposals(env.Ctx, actor, 0)
		if err != nil {
			t.Fatalf("list for %s: %v", actor, err)
		}
		if len(list) != want {
			t.Fatalf("%s sees %d proposals, want %d", actor, len(list), want)
		}
	}
	check(ospAdmin, 2)
	check(veep, 2)
	check(pi, 2)
	check(dean, 1)
	check("chair-eng", 1)
	check("reviewer", 0)

	if _, err := env.Engine.AddApprover(env.Ctx, engine.ApproverRequest{ProposalID: bio.ID, ActorID: ospAdmin, UserID: "reviewer"}); err != nil {
		t.Fatalf("add approver: %v", err)
	}
	check("reviewer", 1)
}

func TestGetProposalRequiresView(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "BIO")
	if _, err := env.Engine.GetProposal(env.Ctx, p.ID, "stranger"); err == nil {
		t.Fatalf("expected forbidden for stranger")
	}
	view, err := env.Engine.GetProposal(env.Ctx, p.ID, pi)
	if err != nil {
		t.Fatalf("get as owner: %v", err)
	}
	if !view.Permissions.Open || view.Permissions.Approve != workflow.ApproveNone {
		t.Fatalf("owner permissions wrong: %+v", view.Permissions)
	}
	if _, err := env.Engine.GetProposal(env.Ctx, "missing", pi); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t, "BIO")
	env.status(t, p.ID, dean, workflow.StatusApprove)

	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{ProposalID: p.ID, Limit: 50})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, ev := range evs {
		seen[ev.Type] = true
	}
	for _, want := range []string{"proposal.created", "proposal.status", "notification.queued", "notification.sent"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, ospAdmin, "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	if err != nil {
		t.Fatalf("lookup api key: %v", err)
	}
	if found.ID != key.ID || found.ActorID != ospAdmin {
		t.Fatalf("unexpected key %+v", found)
	}
}

func TestClaimedNotificationIsSentOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Sent.err = errors.New("smtp down")
	p := env.submit(t, "BIO")
	env.Sent.err = nil

	rows, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{ProposalID: p.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("list notifications: %v %+v", err, rows)
	}
	id := rows[0].ID

	// another dispatcher holds the row
	now := time.Now().UTC()
	won, err := env.Engine.Repo.ClaimNotification(env.Ctx, id, now.Format(time.RFC3339), now.Add(-time.Minute).Format(time.RFC3339))
	if err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}

	env.Engine.Dispatcher.DeliverIDs(env.Ctx, []string{id})
	sent, failed, err := env.Engine.RetryNotifications(env.Ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sent != 0 || failed != 0 || len(env.Sent.events()) != 0 {
		t.Fatalf("claimed row was delivered: sent=%d failed=%d events=%v", sent, failed, env.Sent.events())
	}
	n, err := env.Engine.Repo.GetNotification(env.Ctx, id)
	if err != nil || n.Status != domain.NotificationSending {
		t.Fatalf("expected sending, got %+v (%v)", n, err)
	}

	// the holder died; the claim goes stale
	env.Engine.Dispatcher.Now = func() time.Time { return now.Add(10 * time.Minute) }
	sent, _, err = env.Engine.RetryNotifications(env.Ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected the stale claim to be delivered, sent=%d", sent)
	}
	if got := env.Sent.events(); len(got) != 1 || got[0] != "proposal_submitted" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	if err := env.Engine.Dispatcher.Deliver(env.Ctx, n); !errors.Is(err, notify.ErrInFlight) {
		t.Fatalf("expected sent row to be refused, got %v", err)
	}
}
