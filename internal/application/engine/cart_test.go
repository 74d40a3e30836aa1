// internal/application/engine/cart_test.go
package engine

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cartdom "marketsync/internal/domain/cart"
	syncer "marketsync/internal/sync"
)

// ---------------------------------------------------------------
// fakes
// ---------------------------------------------------------------

type testClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCartRepo struct {
	mu    stdsync.Mutex
	docs  map[string]cartdom.Item
	pages []cartdom.Page

	failSet    error
	failDelete error

	setCalls    int
	deleteCalls int
	listCalls   int

	// updateGate が非 nil の間、UpdateQuantity は close まで待つ
	updateGate  chan struct{}
	updateCalls int

	// watchGate が非 nil の間、Watch は close まで待つ
	watchGate  chan struct{}
	watchCalls int
	subs       []*syncer.Subscription

	sub *syncer.Subscription
}

func newFakeCartRepo() *fakeCartRepo {
	return &fakeCartRepo{docs: map[string]cartdom.Item{}}
}

func (r *fakeCartRepo) Get(_ context.Context, _, itemID string) (*cartdom.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.docs[itemID]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (r *fakeCartRepo) Set(_ context.Context, _ string, item cartdom.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setCalls++
	if r.failSet != nil {
		return r.failSet
	}
	r.docs[item.ItemID] = item
	return nil
}

func (r *fakeCartRepo) UpdateQuantity(_ context.Context, _, itemID string, quantity int) error {
	r.mu.Lock()
	r.updateCalls++
	gate := r.updateGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSet != nil {
		return r.failSet
	}
	it, ok := r.docs[itemID]
	if ok {
		it.Quantity = quantity
		r.docs[itemID] = it
	}
	return nil
}

func (r *fakeCartRepo) Delete(_ context.Context, _, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteCalls++
	if r.failDelete != nil {
		return r.failDelete
	}
	delete(r.docs, itemID)
	return nil
}

func (r *fakeCartRepo) DeleteMany(_ context.Context, _ string, itemIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDelete != nil {
		return r.failDelete
	}
	for _, id := range itemIDs {
		delete(r.docs, id)
	}
	return nil
}

func (r *fakeCartRepo) ListPage(_ context.Context, _ string, _ *time.Time, _ int) (cartdom.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if len(r.pages) == 0 {
		return cartdom.Page{}, nil
	}
	page := r.pages[0]
	r.pages = r.pages[1:]
	return page, nil
}

func (r *fakeCartRepo) Watch(_ context.Context, _ string) (*syncer.Subscription, error) {
	r.mu.Lock()
	r.watchCalls++
	gate := r.watchGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sub := syncer.NewSubscription(16, nil)
	r.sub = sub
	r.subs = append(r.subs, sub)
	return sub, nil
}

type fakeGateway struct {
	mu          stdsync.Mutex
	totalCalls  int
	failTotals  error
	result      TotalsResult
	valid       ValidationResult
	failConfirm error
}

func (g *fakeGateway) CalculateTotals(_ context.Context, _ string, _ []string) (TotalsResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalCalls++
	if g.failTotals != nil {
		return TotalsResult{}, g.failTotals
	}
	return g.result, nil
}

func (g *fakeGateway) ValidateCheckout(_ context.Context, _ string, _ []CheckoutLine) (ValidationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failConfirm != nil {
		return ValidationResult{}, g.failConfirm
	}
	return g.valid, nil
}

type fakeVerifier struct {
	mu    stdsync.Mutex
	uid   string
	err   error
	calls int
}

func (v *fakeVerifier) Verify(_ context.Context, _ string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return "", v.err
	}
	return v.uid, nil
}

func testDecodeCartItem(id string, data map[string]any) (cartdom.Item, error) {
	name, _ := data["name"].(string)
	if name == "" {
		return cartdom.Item{}, errors.New("missing name")
	}
	qty, _ := data["quantity"].(int)
	if qty < 1 {
		qty = 1
	}
	price, _ := data["price"].(float64)
	return cartdom.Item{
		ItemID:     id,
		Quantity:   qty,
		SellerID:   "s1",
		SellerName: "seller",
		Name:       name,
		Price:      price,
	}, nil
}

func cartItem(id string, qty int) cartdom.Item {
	return cartdom.Item{
		ItemID:     id,
		Quantity:   qty,
		SellerID:   "s1",
		SellerName: "seller s1",
		Name:       "item " + id,
		Price:      100,
	}
}

func newTestCartEngine(t *testing.T, repo *fakeCartRepo, gw *fakeGateway, clk *testClock) *CartEngine {
	t.Helper()
	return newTestCartEngineWithVerifier(t, repo, gw, clk, nil)
}

func newTestCartEngineWithVerifier(t *testing.T, repo *fakeCartRepo, gw *fakeGateway, clk *testClock, verifier ReauthVerifier) *CartEngine {
	t.Helper()
	e := NewCartEngine(
		CartConfig{
			OwnerID:      "owner-1",
			PageSize:     2,
			Cooldown:     time.Second,
			ReauthWindow: 2 * time.Minute,
			Clock:        clk,
		},
		repo,
		repo,
		gw,
		verifier,
		syncer.NewResultCache(),
		testDecodeCartItem,
	)
	t.Cleanup(e.Close)
	return e
}

// ---------------------------------------------------------------
// mutations
// ---------------------------------------------------------------

func TestCartAddItemVisibleImmediatelyAndPersisted(t *testing.T) {
	repo := newFakeCartRepo()
	e := newTestCartEngine(t, repo, &fakeGateway{}, newTestClock())

	res := e.AddItem(context.Background(), cartItem("a", 1))
	require.Equal(t, StatusOK, res.Status)

	require.True(t, e.Contains("a"))
	require.Equal(t, 1, e.Count())
	require.True(t, e.Items()[0].Optimistic)

	repo.mu.Lock()
	_, persisted := repo.docs["a"]
	repo.mu.Unlock()
	require.True(t, persisted)
}

func TestCartAddItemFailureRollsBackExactly(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	// 既存数量 2 の状態から失敗 → 数量 2 のまま復元される
	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 2)).Status)
	clk.advance(2 * time.Second)

	repo.mu.Lock()
	repo.failSet = errors.New("permission denied")
	repo.mu.Unlock()

	res := e.AddItem(context.Background(), cartItem("a", 5))
	require.Equal(t, StatusFailed, res.Status)
	require.True(t, e.Contains("a"))
	require.Equal(t, 2, e.Items()[0].Quantity)

	// 新規追加の失敗 → 項目ごと消える
	clk.advance(2 * time.Second)
	res = e.AddItem(context.Background(), cartItem("b", 1))
	require.Equal(t, StatusFailed, res.Status)
	require.False(t, e.Contains("b"))
	require.Equal(t, 1, e.Count())
}

func TestCartAddItemRateLimited(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)
	require.Equal(t, StatusRateLimited, e.AddItem(context.Background(), cartItem("a", 1)).Status)

	clk.advance(time.Second)
	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)
}

func TestCartAddItemInvalid(t *testing.T) {
	e := newTestCartEngine(t, newFakeCartRepo(), &fakeGateway{}, newTestClock())

	require.Equal(t, StatusFailed, e.AddItem(context.Background(), cartItem("", 1)).Status)
	require.Equal(t, StatusFailed, e.AddItem(context.Background(), cartItem("a", 0)).Status)
	require.Equal(t, 0, e.Count())
}

func TestCartRemoveItemAndRollbackVerifiesRemote(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)
	clk.advance(2 * time.Second)

	repo.mu.Lock()
	repo.failDelete = errors.New("unavailable")
	repo.mu.Unlock()

	// 失敗 → リモートにまだ在るので復元される
	res := e.RemoveItem(context.Background(), "a")
	require.Equal(t, StatusFailed, res.Status)
	require.True(t, e.Contains("a"))

	// リモートからも消えている場合は復元しない
	repo.mu.Lock()
	delete(repo.docs, "a")
	repo.mu.Unlock()
	clk.advance(2 * time.Second)

	res = e.RemoveItem(context.Background(), "a")
	require.Equal(t, StatusFailed, res.Status)
	require.False(t, e.Contains("a"))
}

func TestCartRemoveItemsBatch(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem(id, 1)).Status)
		clk.advance(2 * time.Second)
	}

	res := e.RemoveItems(context.Background(), []string{"a", "b"})
	require.Equal(t, StatusOK, res.Status)
	require.False(t, e.Contains("a"))
	require.False(t, e.Contains("b"))
	require.True(t, e.Contains("c"))

	repo.mu.Lock()
	_, aLeft := repo.docs["a"]
	repo.mu.Unlock()
	require.False(t, aLeft)
}

func TestCartRemoveItemsFailureRestoresAll(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	for _, id := range []string{"a", "b"} {
		require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem(id, 1)).Status)
		clk.advance(2 * time.Second)
	}

	repo.mu.Lock()
	repo.failDelete = errors.New("unavailable")
	repo.mu.Unlock()

	res := e.RemoveItems(context.Background(), []string{"a", "b"})
	require.Equal(t, StatusFailed, res.Status)
	require.True(t, e.Contains("a"))
	require.True(t, e.Contains("b"))
}

func TestCartUpdateQuantityZeroMeansRemove(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 2)).Status)
	clk.advance(2 * time.Second)

	res := e.UpdateQuantity(context.Background(), "a", 0)
	require.Equal(t, StatusOK, res.Status)
	require.False(t, e.Contains("a"))

	repo.mu.Lock()
	_, left := repo.docs["a"]
	repo.mu.Unlock()
	require.False(t, left)
}

func TestCartUpdateQuantity(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)
	clk.advance(2 * time.Second)

	require.Equal(t, StatusOK, e.UpdateQuantity(context.Background(), "a", 4).Status)
	require.Equal(t, 4, e.Items()[0].Quantity)

	// 未知の項目は失敗
	require.Equal(t, StatusFailed, e.UpdateQuantity(context.Background(), "zzz", 2).Status)
}

func TestCartUpdateQuantityCoalescesConcurrentCalls(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)

	gate := make(chan struct{})
	repo.mu.Lock()
	repo.updateGate = gate
	base := repo.updateCalls
	repo.mu.Unlock()

	results := make(chan MutationResult, 2)
	go func() { results <- e.UpdateQuantity(context.Background(), "a", 3) }()

	// 1 本目が repo まで到達するのを待つ
	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.updateCalls == base+1
	}, time.Second, time.Millisecond)

	go func() { results <- e.UpdateQuantity(context.Background(), "a", 3) }()
	time.Sleep(50 * time.Millisecond) // 2 本目が in-flight に合流する猶予
	close(gate)

	for i := 0; i < 2; i++ {
		require.Equal(t, StatusOK, (<-results).Status)
	}

	// 遠隔書き込みは 1 回だけ
	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Equal(t, base+1, repo.updateCalls)
	require.Equal(t, 3, repo.docs["a"].Quantity)
}

// ---------------------------------------------------------------
// pagination
// ---------------------------------------------------------------

func TestCartPaginationMergesAndTerminates(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	t1 := clk.Now().Add(-time.Hour)
	t2 := clk.Now().Add(-2 * time.Hour)
	repo.pages = []cartdom.Page{
		{Items: []cartdom.Item{cartItem("p1", 1), cartItem("p2", 1)}, HasMore: true, Next: &t1},
		{Items: []cartdom.Item{cartItem("p3", 1)}, HasMore: false, Next: &t2},
	}

	added, hasMore, err := e.LoadNextPage(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.True(t, hasMore)

	added, hasMore, err = e.LoadNextPage(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.False(t, hasMore)
	require.False(t, e.HasMore())

	// 終端後の呼び出しはリポジトリへ行かない
	before := repo.listCalls
	added, hasMore, err = e.LoadNextPage(context.Background())
	require.NoError(t, err)
	require.Zero(t, added)
	require.False(t, hasMore)
	require.Equal(t, before, repo.listCalls)
}

func TestCartPaginationDeduplicatesAndHonorsRemoveMarker(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	// "a" は楽観追加済み、"b" は削除保留中
	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)
	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("b", 1)).Status)
	clk.advance(2 * time.Second)
	require.Equal(t, StatusOK, e.RemoveItem(context.Background(), "b").Status)

	repo.pages = []cartdom.Page{
		{Items: []cartdom.Item{cartItem("a", 9), cartItem("b", 1), cartItem("c", 1)}, HasMore: false},
	}

	added, _, err := e.LoadNextPage(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, added) // "c" のみ
	require.True(t, e.Contains("a"))
	require.Equal(t, 1, e.itemQuantity("a")) // ページの qty 9 で上書きされない
	require.False(t, e.Contains("b"))
	require.True(t, e.Contains("c"))
}

func TestCartResetPaginationKeepsOptimisticItems(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	repo.pages = []cartdom.Page{
		{Items: []cartdom.Item{cartItem("p1", 1)}, HasMore: false},
	}
	_, _, err := e.LoadNextPage(context.Background())
	require.NoError(t, err)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("opt", 1)).Status)

	e.ResetPagination()
	require.True(t, e.HasMore())
	require.False(t, e.Contains("p1"))
	require.True(t, e.Contains("opt"))
}

// itemQuantity is a test helper reading one item's quantity.
func (e *CartEngine) itemQuantity(id string) int {
	for _, it := range e.Items() {
		if it.ItemID == id {
			return it.Quantity
		}
	}
	return 0
}

// ---------------------------------------------------------------
// totals / checkout
// ---------------------------------------------------------------

func TestCartTotalsCachedUntilMutation(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	gw := &fakeGateway{result: TotalsResult{Total: 300, Currency: "JPY"}}
	e := newTestCartEngine(t, repo, gw, clk)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)
	clk.advance(2 * time.Second)

	res := e.Totals(context.Background())
	require.False(t, res.Unavailable)
	require.Equal(t, float64(300), res.Total)
	require.Equal(t, 1, gw.totalCalls)

	// 2 回目はキャッシュから
	_ = e.Totals(context.Background())
	require.Equal(t, 1, gw.totalCalls)

	// ミューテーションで無効化される
	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("b", 1)).Status)
	_ = e.Totals(context.Background())
	require.Equal(t, 2, gw.totalCalls)
}

func TestCartTotalsDegradesOnGatewayFailure(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	gw := &fakeGateway{failTotals: errors.New("gateway down")}
	e := newTestCartEngine(t, repo, gw, clk)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)

	res := e.Totals(context.Background())
	require.True(t, res.Unavailable)
	require.Zero(t, res.Total)

	// 失敗結果はキャッシュされない: 復旧後は再計算される
	gw.mu.Lock()
	gw.failTotals = nil
	gw.result = TotalsResult{Total: 100}
	gw.mu.Unlock()

	res = e.Totals(context.Background())
	require.False(t, res.Unavailable)
	require.Equal(t, float64(100), res.Total)
}

func TestCartTotalsEmptySet(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestCartEngine(t, newFakeCartRepo(), gw, newTestClock())

	res := e.Totals(context.Background())
	require.False(t, res.Unavailable)
	require.Zero(t, res.Total)
	require.Zero(t, gw.totalCalls)
}

func TestCartValidateCheckoutRequiresFreshReauth(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	gw := &fakeGateway{valid: ValidationResult{Valid: true}}
	e := newTestCartEngine(t, repo, gw, clk)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)

	// 再認証前は拒否
	res := e.ValidateCheckout(context.Background())
	require.False(t, res.Valid)
	require.Contains(t, res.Reasons, "reauthentication required")

	e.MarkReauthenticated()
	res = e.ValidateCheckout(context.Background())
	require.True(t, res.Valid)

	// ウィンドウ超過で再び拒否
	clk.advance(3 * time.Minute)
	res = e.ValidateCheckout(context.Background())
	require.False(t, res.Valid)
}

func TestCartVerifyReauthOpensCheckoutWindow(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	v := &fakeVerifier{uid: "owner-1"}
	gw := &fakeGateway{valid: ValidationResult{Valid: true}}
	e := newTestCartEngineWithVerifier(t, repo, gw, clk, v)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)

	// 検証前は拒否
	res := e.ValidateCheckout(context.Background())
	require.False(t, res.Valid)

	require.NoError(t, e.VerifyReauth(context.Background(), "token-1"))

	v.mu.Lock()
	calls := v.calls
	v.mu.Unlock()
	require.Equal(t, 1, calls)

	res = e.ValidateCheckout(context.Background())
	require.True(t, res.Valid)
}

func TestCartVerifyReauthRejectsBadTokenOrSubject(t *testing.T) {
	gw := &fakeGateway{valid: ValidationResult{Valid: true}}

	// 検証エラーはウィンドウを開かない
	v := &fakeVerifier{err: errors.New("expired token")}
	e := newTestCartEngineWithVerifier(t, newFakeCartRepo(), gw, newTestClock(), v)
	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)
	require.Error(t, e.VerifyReauth(context.Background(), "tok"))
	require.False(t, e.ValidateCheckout(context.Background()).Valid)

	// subject 不一致
	v2 := &fakeVerifier{uid: "someone-else"}
	e2 := newTestCartEngineWithVerifier(t, newFakeCartRepo(), gw, newTestClock(), v2)
	require.ErrorIs(t, e2.VerifyReauth(context.Background(), "tok"), ErrReauthWrongSubject)

	// verifier 無し / 空トークン
	e3 := newTestCartEngine(t, newFakeCartRepo(), gw, newTestClock())
	require.ErrorIs(t, e3.VerifyReauth(context.Background(), "tok"), ErrReauthUnavailable)
	require.ErrorIs(t, e3.VerifyReauth(context.Background(), "  "), ErrInvalidArgument)
}

func TestCartValidateCheckoutDegradesOnGatewayFailure(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	gw := &fakeGateway{failConfirm: errors.New("gateway down")}
	e := newTestCartEngine(t, repo, gw, clk)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)
	e.MarkReauthenticated()

	res := e.ValidateCheckout(context.Background())
	require.True(t, res.Unavailable)
	require.False(t, res.Valid)
}

// ---------------------------------------------------------------
// reconciliation
// ---------------------------------------------------------------

func TestCartReconcileConfirmsOptimisticAdd(t *testing.T) {
	repo := newFakeCartRepo()
	e := newTestCartEngine(t, repo, &fakeGateway{}, newTestClock())

	require.NoError(t, e.EnableLiveUpdates(context.Background()))
	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)
	require.True(t, e.Items()[0].Optimistic)

	repo.sub.Emit(syncer.Event{
		Origin: syncer.OriginServer,
		Changes: []syncer.Change{
			{Kind: syncer.ChangeAdded, ID: "a", Data: map[string]any{"name": "item a", "price": 100.0, "quantity": 1}},
		},
	})

	require.Eventually(t, func() bool {
		items := e.Items()
		return len(items) == 1 && !items[0].Optimistic
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCartReconcileRemovedDeletesLocally(t *testing.T) {
	repo := newFakeCartRepo()
	e := newTestCartEngine(t, repo, &fakeGateway{}, newTestClock())

	require.NoError(t, e.EnableLiveUpdates(context.Background()))
	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)

	repo.sub.Emit(syncer.Event{
		Origin:  syncer.OriginServer,
		Changes: []syncer.Change{{Kind: syncer.ChangeRemoved, ID: "a"}},
	})

	require.Eventually(t, func() bool {
		return !e.Contains("a")
	}, 2*time.Second, 10*time.Millisecond)
}

// 同一イベントの再適用は同じ状態に収束する。
func TestCartReconcileIsIdempotent(t *testing.T) {
	repo := newFakeCartRepo()
	e := newTestCartEngine(t, repo, &fakeGateway{}, newTestClock())

	require.NoError(t, e.EnableLiveUpdates(context.Background()))

	ev := syncer.Event{
		Origin: syncer.OriginServer,
		Changes: []syncer.Change{
			{Kind: syncer.ChangeAdded, ID: "a", Data: map[string]any{"name": "item a", "price": 100.0, "quantity": 2}},
		},
	}
	repo.sub.Emit(ev)
	repo.sub.Emit(ev)
	repo.sub.Emit(ev)

	require.Eventually(t, func() bool {
		return e.Count() == 1 && e.itemQuantity("a") == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCartReconcileIgnoresLocalCacheSnapshot(t *testing.T) {
	repo := newFakeCartRepo()
	e := newTestCartEngine(t, repo, &fakeGateway{}, newTestClock())

	require.NoError(t, e.EnableLiveUpdates(context.Background()))
	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)

	// local-cache スナップショットは状態を進めない
	repo.sub.Emit(syncer.Event{
		Origin: syncer.OriginLocalCache,
		Full:   &syncer.FullSnapshot{Docs: map[string]map[string]any{}},
	})

	// server スナップショットで上書きされると "a" は楽観追加のため残る
	repo.sub.Emit(syncer.Event{
		Origin: syncer.OriginServer,
		Full: &syncer.FullSnapshot{Docs: map[string]map[string]any{
			"z": {"name": "item z", "price": 50.0, "quantity": 1},
		}},
	})

	require.Eventually(t, func() bool {
		return e.Contains("z") && e.Contains("a")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCartReconcileSkipsMalformedRecords(t *testing.T) {
	repo := newFakeCartRepo()
	e := newTestCartEngine(t, repo, &fakeGateway{}, newTestClock())

	require.NoError(t, e.EnableLiveUpdates(context.Background()))

	repo.sub.Emit(syncer.Event{
		Origin: syncer.OriginServer,
		Changes: []syncer.Change{
			{Kind: syncer.ChangeAdded, ID: "bad", Data: map[string]any{"price": 1.0}},
			{Kind: syncer.ChangeAdded, ID: "ok", Data: map[string]any{"name": "item", "price": 1.0, "quantity": 1}},
		},
	})

	require.Eventually(t, func() bool {
		return e.Contains("ok")
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, e.Contains("bad"))
}

func TestCartEnableLiveUpdatesIsIdempotent(t *testing.T) {
	repo := newFakeCartRepo()
	e := newTestCartEngine(t, repo, &fakeGateway{}, newTestClock())

	require.NoError(t, e.EnableLiveUpdates(context.Background()))
	first := repo.sub
	require.NoError(t, e.EnableLiveUpdates(context.Background()))
	require.Same(t, first, repo.sub)

	e.DisableLiveUpdates()
	e.DisableLiveUpdates() // 二重呼び出しも安全
	require.True(t, first.Done())
}

func TestCartEnableLiveUpdatesConcurrentAttachKeepsOneSubscription(t *testing.T) {
	repo := newFakeCartRepo()
	repo.watchGate = make(chan struct{})
	e := newTestCartEngine(t, repo, &fakeGateway{}, newTestClock())

	errs := make(chan error, 2)
	go func() { errs <- e.EnableLiveUpdates(context.Background()) }()
	go func() { errs <- e.EnableLiveUpdates(context.Background()) }()

	// 両方が attach チェックを抜けて Watch に入るまで待つ
	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.watchCalls == 2
	}, time.Second, time.Millisecond)
	close(repo.watchGate)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	repo.mu.Lock()
	subs := append([]*syncer.Subscription(nil), repo.subs...)
	repo.mu.Unlock()
	require.Len(t, subs, 2)

	// 負けた側は cancel 済み、勝った側だけ残る
	canceled := 0
	for _, s := range subs {
		if s.Done() {
			canceled++
		}
	}
	require.Equal(t, 1, canceled)
}

func TestCartCloseRejectsFurtherMutations(t *testing.T) {
	repo := newFakeCartRepo()
	clk := newTestClock()
	e := newTestCartEngine(t, repo, &fakeGateway{}, clk)

	require.Equal(t, StatusOK, e.AddItem(context.Background(), cartItem("a", 1)).Status)
	e.Close()
	e.Close() // idempotent

	clk.advance(2 * time.Second)
	require.Equal(t, StatusFailed, e.AddItem(context.Background(), cartItem("b", 1)).Status)
}
