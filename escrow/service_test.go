package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/settlement"
)

func newTestService(repo *fakeRepo, settler *fakeSettler, adminID string) (*Service, *fakePool) {
	pool := &fakePool{}
	svc := NewService(pool, repo, settler, &fakeAdmins{id: adminID})
	return svc, pool
}

func TestInitialize_AmountMustMatchPrice(t *testing.T) {
	repo := newFakeRepo()
	svc, pool := newTestService(repo, &fakeSettler{}, "admin-1")

	params := CreateParams{ID: "esc-1", SellerID: "bob", Product: "antique clock", Price: 1000}

	for _, amount := range []int64{999, 1001, 0} {
		if _, err := svc.Initialize(context.Background(), "alice", params, amount); !errors.Is(err, ErrAmountMismatch) {
			t.Fatalf("amount %d: expected ErrAmountMismatch, got %v", amount, err)
		}
	}
	if pool.tx != nil {
		t.Fatal("expected no transaction for rejected amounts")
	}

	rec, err := svc.Initialize(context.Background(), "alice", params, 1000)
	if err != nil {
		t.Fatalf("exact amount: %v", err)
	}
	if rec.State != StateInitialized {
		t.Fatalf("expected %s, got %s", StateInitialized, rec.State)
	}
	if rec.BuyerID != "alice" || rec.SellerID != "bob" {
		t.Fatalf("unexpected principals: %+v", rec)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestInitialize_DuplicateID(t *testing.T) {
	repo := newFakeRepo()
	svc, pool := newTestService(repo, &fakeSettler{}, "admin-1")

	params := CreateParams{ID: "esc-1", SellerID: "bob", Price: 500}
	if _, err := svc.Initialize(context.Background(), "alice", params, 500); err != nil {
		t.Fatalf("first initialize: %v", err)
	}

	// A second initialize fails regardless of payload differences.
	other := CreateParams{ID: "esc-1", SellerID: "someone-else", Product: "different", Price: 9}
	if _, err := svc.Initialize(context.Background(), "mallory", other, 9); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("expected no commit for duplicate id")
	}
}

func TestAgree_BuyerReleasesToSeller(t *testing.T) {
	repo := newFakeRepo()
	settler := &fakeSettler{}
	svc, pool := newTestService(repo, settler, "admin-1")

	mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", Price: 1000})

	rec, err := svc.Agree(context.Background(), "alice", "esc-1")
	if err != nil {
		t.Fatalf("agree: %v", err)
	}
	if rec.State != StateValidated {
		t.Fatalf("expected %s, got %s", StateValidated, rec.State)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}

	if len(settler.calls) != 1 {
		t.Fatalf("expected exactly one transfer, got %d", len(settler.calls))
	}
	call := settler.calls[0]
	if call.Destination != "bob" || call.Amount != 1000 || call.Reason != settlement.ReasonRelease {
		t.Fatalf("unexpected transfer: %+v", call)
	}
}

func TestAgree_SecondAgreeFails(t *testing.T) {
	repo := newFakeRepo()
	settler := &fakeSettler{}
	svc, _ := newTestService(repo, settler, "admin-1")

	mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", Price: 1000})
	if _, err := svc.Agree(context.Background(), "alice", "esc-1"); err != nil {
		t.Fatalf("first agree: %v", err)
	}

	if _, err := svc.Agree(context.Background(), "alice", "esc-1"); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("expected ErrAlreadyFinished, got %v", err)
	}
	if len(settler.calls) != 1 {
		t.Fatalf("expected transfer count to stay 1, got %d", len(settler.calls))
	}
}

func TestAgree_UnknownEscrow(t *testing.T) {
	svc, _ := newTestService(newFakeRepo(), &fakeSettler{}, "admin-1")
	if _, err := svc.Agree(context.Background(), "alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAgree_SellerDenied(t *testing.T) {
	repo := newFakeRepo()
	settler := &fakeSettler{}
	svc, pool := newTestService(repo, settler, "admin-1")

	mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", Price: 1000})

	if _, err := svc.Agree(context.Background(), "bob", "esc-1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for seller, got %v", err)
	}
	if _, err := svc.Agree(context.Background(), "mallory", "esc-1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for outsider, got %v", err)
	}
	if len(settler.calls) != 0 {
		t.Fatal("expected no transfer on denied agree")
	}
	if pool.tx.committed {
		t.Fatal("expected no commit on denied agree")
	}
}

func TestAgree_AdminGate(t *testing.T) {
	repo := newFakeRepo()
	settler := &fakeSettler{}
	svc, _ := newTestService(repo, settler, "admin-1")

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", Price: 700})

	// No proof yet: elapsed time is irrelevant.
	if _, err := svc.Agree(context.Background(), "admin-1", "esc-1"); !errors.Is(err, ErrProofRequired) {
		t.Fatalf("expected ErrProofRequired, got %v", err)
	}

	if _, err := svc.AttachProof(context.Background(), "bob", "esc-1", []byte("carrier receipt")); err != nil {
		t.Fatalf("attach proof: %v", err)
	}

	// Proof attached but the clock has not run.
	if _, err := svc.Agree(context.Background(), "admin-1", "esc-1"); !errors.Is(err, ErrTooEarly) {
		t.Fatalf("expected ErrTooEarly, got %v", err)
	}

	now = now.Add(ArbitrationDelay)
	rec, err := svc.Agree(context.Background(), "admin-1", "esc-1")
	if err != nil {
		t.Fatalf("arbitration after delay: %v", err)
	}
	if rec.State != StateValidated {
		t.Fatalf("expected %s, got %s", StateValidated, rec.State)
	}
	if len(settler.calls) != 1 || settler.calls[0].Destination != "bob" {
		t.Fatalf("expected one release to seller, got %+v", settler.calls)
	}
}

func TestAgree_AdminDeniedWhileCancelPending(t *testing.T) {
	repo := newFakeRepo()
	settler := &fakeSettler{}
	svc, _ := newTestService(repo, settler, "admin-1")

	past := time.Now().Add(-2 * ArbitrationDelay)
	svc.now = time.Now

	mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", Price: 700})
	if _, err := svc.AttachProof(context.Background(), "bob", "esc-1", []byte("receipt")); err != nil {
		t.Fatalf("attach proof: %v", err)
	}
	repo.records["esc-1"] = withMarker(repo.records["esc-1"], past)

	if _, err := svc.Cancel(context.Background(), "alice", "esc-1"); err != nil {
		t.Fatalf("buyer cancel: %v", err)
	}

	if _, err := svc.Agree(context.Background(), "admin-1", "esc-1"); !errors.Is(err, ErrCancelPending) {
		t.Fatalf("expected ErrCancelPending, got %v", err)
	}
}

func TestAgree_BuyerMayConfirmDespitePendingCancel(t *testing.T) {
	repo := newFakeRepo()
	settler := &fakeSettler{}
	svc, _ := newTestService(repo, settler, "admin-1")

	mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", Price: 700})
	if _, err := svc.Cancel(context.Background(), "bob", "esc-1"); err != nil {
		t.Fatalf("seller cancel: %v", err)
	}

	rec, err := svc.Agree(context.Background(), "alice", "esc-1")
	if err != nil {
		t.Fatalf("buyer agree over pending cancel: %v", err)
	}
	if rec.State != StateValidated {
		t.Fatalf("expected %s, got %s", StateValidated, rec.State)
	}
}

func TestCancel_MutualConsentRefundsBuyer(t *testing.T) {
	orders := []struct {
		name          string
		first, second string
		firstState    State
	}{
		{"buyer then seller", "alice", "bob", StateBuyerCancelRequested},
		{"seller then buyer", "bob", "alice", StateSellerCancelRequested},
	}

	for _, order := range orders {
		t.Run(order.name, func(t *testing.T) {
			repo := newFakeRepo()
			settler := &fakeSettler{}
			svc, _ := newTestService(repo, settler, "admin-1")

			mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", Price: 250})

			rec, err := svc.Cancel(context.Background(), order.first, "esc-1")
			if err != nil {
				t.Fatalf("first cancel: %v", err)
			}
			if rec.State != order.firstState {
				t.Fatalf("expected %s, got %s", order.firstState, rec.State)
			}
			if len(settler.calls) != 0 {
				t.Fatal("no transfer may accompany a pending request")
			}

			// Same-party re-request before the counterparty acts.
			if _, err := svc.Cancel(context.Background(), order.first, "esc-1"); !errors.Is(err, ErrCancelAlreadyRequested) {
				t.Fatalf("expected ErrCancelAlreadyRequested, got %v", err)
			}

			rec, err = svc.Cancel(context.Background(), order.second, "esc-1")
			if err != nil {
				t.Fatalf("second cancel: %v", err)
			}
			if rec.State != StateCanceled {
				t.Fatalf("expected %s, got %s", StateCanceled, rec.State)
			}

			if len(settler.calls) != 1 {
				t.Fatalf("expected exactly one refund, got %d", len(settler.calls))
			}
			call := settler.calls[0]
			if call.Destination != "alice" || call.Amount != 250 || call.Reason != settlement.ReasonRefund {
				t.Fatalf("refund must go to the original buyer: %+v", call)
			}
		})
	}
}

func TestCancel_AdminAndBrokerDenied(t *testing.T) {
	brokerID := "carol"
	repo := newFakeRepo()
	svc, _ := newTestService(repo, &fakeSettler{}, "admin-1")

	mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", BrokerID: &brokerID, Price: 100})

	for _, caller := range []string{"admin-1", "carol", "mallory"} {
		if _, err := svc.Cancel(context.Background(), caller, "esc-1"); !errors.Is(err, ErrAccessDenied) {
			t.Fatalf("caller %s: expected ErrAccessDenied, got %v", caller, err)
		}
	}
}

func TestCancel_TerminalRejected(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo, &fakeSettler{}, "admin-1")

	mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", Price: 100})
	if _, err := svc.Agree(context.Background(), "alice", "esc-1"); err != nil {
		t.Fatalf("agree: %v", err)
	}

	if _, err := svc.Cancel(context.Background(), "alice", "esc-1"); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("expected ErrAlreadyFinished, got %v", err)
	}

	if _, err := svc.Cancel(context.Background(), "alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddComment_RolesAndOverwrite(t *testing.T) {
	brokerID := "carol"
	repo := newFakeRepo()
	svc, _ := newTestService(repo, &fakeSettler{}, "admin-1")

	mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", BrokerID: &brokerID, Price: 100})

	callers := map[string]Role{
		"admin-1": RoleAdmin,
		"alice":   RoleBuyer,
		"bob":     RoleSeller,
		"carol":   RoleBroker,
	}
	for caller, want := range callers {
		c, err := svc.AddComment(context.Background(), caller, "esc-1", 1700000000, "looks fine")
		if err != nil {
			t.Fatalf("comment by %s: %v", caller, err)
		}
		if c.RoleCode != want {
			t.Fatalf("caller %s: expected role %d, got %d", caller, want, c.RoleCode)
		}
	}

	if _, err := svc.AddComment(context.Background(), "mallory", "esc-1", 1700000001, "hi"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if _, err := svc.AddComment(context.Background(), "alice", "missing", 1, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Same (timestamp, role) key overwrites, last write wins.
	if _, err := svc.AddComment(context.Background(), "alice", "esc-1", 1700000000, "changed my mind"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	key := commentKey(1700000000, RoleBuyer)
	if got := repo.comments["esc-1"][key].Message; got != "changed my mind" {
		t.Fatalf("expected overwritten message, got %q", got)
	}
	if n := len(repo.comments["esc-1"]); n != 5 {
		t.Fatalf("expected 5 distinct comment keys, got %d", n)
	}
}

func TestAttachProof_WriteOnceAndAuthorized(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo, &fakeSettler{}, "admin-1")

	marker := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return marker }

	mustInit(t, svc, "alice", CreateParams{ID: "esc-1", SellerID: "bob", Price: 100})

	// The buyer holds no attestation; only seller or admin may attach.
	if _, err := svc.AttachProof(context.Background(), "alice", "esc-1", []byte("p")); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for buyer, got %v", err)
	}

	rec, err := svc.AttachProof(context.Background(), "bob", "esc-1", []byte("carrier receipt"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if rec.TimeMarker == nil || !rec.TimeMarker.Equal(marker) {
		t.Fatalf("expected time marker %v, got %v", marker, rec.TimeMarker)
	}

	if _, err := svc.AttachProof(context.Background(), "bob", "esc-1", []byte("again")); !errors.Is(err, ErrProofAlreadyAttached) {
		t.Fatalf("expected ErrProofAlreadyAttached, got %v", err)
	}
}

func mustInit(t *testing.T, svc *Service, buyer string, params CreateParams) {
	t.Helper()
	if _, err := svc.Initialize(context.Background(), buyer, params, params.Price); err != nil {
		t.Fatalf("initialize %s: %v", params.ID, err)
	}
}

func withMarker(rec Record, marker time.Time) Record {
	rec.TimeMarker = &marker
	return rec
}

func commentKey(ts int64, role Role) string {
	return fmt.Sprintf("%d/%d", ts, role)
}

type fakeRepo struct {
	records  map[string]Record
	comments map[string]map[string]Comment
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		records:  make(map[string]Record),
		comments: make(map[string]map[string]Comment),
	}
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, buyerID string, params CreateParams) (Record, error) {
	if _, exists := f.records[params.ID]; exists {
		return Record{}, ErrAlreadyExists
	}
	now := time.Now().UTC()
	rec := Record{
		ID:        params.ID,
		BuyerID:   buyerID,
		SellerID:  params.SellerID,
		BrokerID:  params.BrokerID,
		Product:   params.Product,
		Price:     params.Price,
		State:     StateInitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.records[params.ID] = rec
	return rec, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeRepo) UpdateState(ctx context.Context, tx pgx.Tx, id string, from, to State) error {
	rec, ok := f.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.State != from {
		return fmt.Errorf("escrow: state moved away from %s before update", from)
	}
	rec.State = to
	f.records[id] = rec
	return nil
}

func (f *fakeRepo) SetProof(ctx context.Context, tx pgx.Tx, id string, proof []byte, marker time.Time) error {
	rec, ok := f.records[id]
	if !ok {
		return ErrNotFound
	}
	if len(rec.Proof) > 0 {
		return ErrProofAlreadyAttached
	}
	rec.Proof = proof
	rec.TimeMarker = &marker
	f.records[id] = rec
	return nil
}

func (f *fakeRepo) UpsertComment(ctx context.Context, tx pgx.Tx, c Comment) error {
	if _, ok := f.records[c.EscrowID]; !ok {
		return ErrNotFound
	}
	if f.comments[c.EscrowID] == nil {
		f.comments[c.EscrowID] = make(map[string]Comment)
	}
	f.comments[c.EscrowID][commentKey(c.Timestamp, c.RoleCode)] = c
	return nil
}

type fakeSettler struct {
	calls []settlement.ReleaseParams
	err   error
}

func (f *fakeSettler) Release(ctx context.Context, tx pgx.Tx, params settlement.ReleaseParams) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, params)
	return nil
}

type fakeAdmins struct {
	id  string
	err error
}

func (f *fakeAdmins) Current(ctx context.Context) (string, error) {
	return f.id, f.err
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
