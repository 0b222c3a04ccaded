package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"inventory-tracker/internal/inventory"
)

func newTestHub(opts Options) *Hub {
	opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(opts)
}

func event(productID string, version int64) inventory.UpdateEvent {
	return inventory.UpdateEvent{
		ProductID:  productID,
		Quantity:   version * 10,
		Version:    version,
		Timestamp:  time.Now().UTC(),
		UpdateType: inventory.StockAdjusted,
	}
}

func nextWithin(t *testing.T, sub *Subscription, d time.Duration) inventory.UpdateEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return ev
}

func drainVersions(t *testing.T, sub *Subscription) []int64 {
	t.Helper()
	var versions []int64
	for sub.Len() > 0 {
		versions = append(versions, nextWithin(t, sub, time.Second).Version)
	}
	return versions
}

func TestHub_SubscribeBeforeReceivesAllInOrder(t *testing.T) {
	h := newTestHub(Options{})
	sub, err := h.Subscribe(inventory.TopicAll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const n = 20
	for v := int64(1); v <= n; v++ {
		if got := h.Publish(inventory.TopicAll, event("sku-1", v)); got != 1 {
			t.Fatalf("want delivered 1, got %d", got)
		}
	}

	for v := int64(1); v <= n; v++ {
		ev := nextWithin(t, sub, time.Second)
		if ev.Version != v {
			t.Fatalf("want version %d, got %d", v, ev.Version)
		}
	}
}

func TestHub_SubscribeAfterReceivesOnlyLaterEvents(t *testing.T) {
	h := newTestHub(Options{})
	for v := int64(1); v <= 3; v++ {
		h.Publish(inventory.TopicAll, event("sku-1", v))
	}

	sub, _ := h.Subscribe(inventory.TopicAll)
	if sub.Len() != 0 {
		t.Fatalf("want empty buffer, got %d", sub.Len())
	}

	h.Publish(inventory.TopicAll, event("sku-1", 4))
	if ev := nextWithin(t, sub, time.Second); ev.Version != 4 {
		t.Fatalf("want version 4, got %d", ev.Version)
	}
}

func TestHub_DiscardsStaleAndDuplicateVersions(t *testing.T) {
	h := newTestHub(Options{})
	sub, _ := h.Subscribe(inventory.TopicAll)

	h.Publish(inventory.TopicAll, event("sku-1", 2))
	if got := h.Publish(inventory.TopicAll, event("sku-1", 1)); got != 0 {
		t.Fatalf("stale event delivered to %d subscribers", got)
	}
	if got := h.Publish(inventory.TopicAll, event("sku-1", 2)); got != 0 {
		t.Fatalf("duplicate event delivered to %d subscribers", got)
	}
	h.Publish(inventory.TopicAll, event("sku-2", 1))

	versions := drainVersions(t, sub)
	if len(versions) != 2 {
		t.Fatalf("want 2 events, got %v", versions)
	}
	if stats := h.Stats(); stats.Stale != 2 {
		t.Fatalf("want 2 stale, got %d", stats.Stale)
	}
}

func TestHub_TopicsAreIndependent(t *testing.T) {
	h := newTestHub(Options{})
	all, _ := h.Subscribe(inventory.TopicAll)
	one, _ := h.Subscribe(inventory.ProductTopic("sku-1"))

	ev := event("sku-1", 1)
	for _, topic := range inventory.Topics(ev.ProductID) {
		h.Publish(topic, ev)
	}
	h.Publish(inventory.TopicAll, event("sku-2", 1))

	if all.Len() != 2 {
		t.Fatalf("want 2 events on %q, got %d", inventory.TopicAll, all.Len())
	}
	if one.Len() != 1 {
		t.Fatalf("want 1 event on product topic, got %d", one.Len())
	}
}

func TestHub_OverflowPolicies(t *testing.T) {
	tests := []struct {
		name         string
		policy       Policy
		wantVersions []int64
	}{
		{name: "drop oldest keeps newest", policy: PolicyDropOldest, wantVersions: []int64{4, 5}},
		{name: "reject keeps oldest", policy: PolicyReject, wantVersions: []int64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(Options{BufferSize: 2, Policy: tt.policy})

			var (
				mu        sync.Mutex
				overflows int
			)
			sub, _ := h.Subscribe(inventory.TopicAll, WithOverflowFunc(func(_ *Subscription, _ inventory.UpdateEvent, err error) {
				if !errors.Is(err, inventory.ErrChannelOverflow) {
					t.Errorf("want ErrChannelOverflow, got %v", err)
				}
				mu.Lock()
				overflows++
				mu.Unlock()
			}))

			for v := int64(1); v <= 5; v++ {
				h.Publish(inventory.TopicAll, event("sku-1", v))
			}

			versions := drainVersions(t, sub)
			if len(versions) != len(tt.wantVersions) {
				t.Fatalf("want %v, got %v", tt.wantVersions, versions)
			}
			for i := range versions {
				if versions[i] != tt.wantVersions[i] {
					t.Fatalf("want %v, got %v", tt.wantVersions, versions)
				}
			}
			if sub.Dropped() != 3 {
				t.Fatalf("want 3 dropped, got %d", sub.Dropped())
			}
			mu.Lock()
			defer mu.Unlock()
			if overflows != 3 {
				t.Fatalf("want 3 overflow callbacks, got %d", overflows)
			}
			if stats := h.Stats(); stats.Dropped != 3 {
				t.Fatalf("want hub dropped 3, got %d", stats.Dropped)
			}
		})
	}
}

func TestHub_SlowObserverDoesNotStallOthers(t *testing.T) {
	h := newTestHub(Options{BufferSize: 1024})
	_, _ = h.Subscribe(inventory.TopicAll, WithBufferSize(1))
	fast, _ := h.Subscribe(inventory.TopicAll)

	const n = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := int64(1); v <= n; v++ {
			h.Publish(inventory.TopicAll, event("sku-1", v))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow observer")
	}

	for v := int64(1); v <= n; v++ {
		if ev := nextWithin(t, fast, time.Second); ev.Version != v {
			t.Fatalf("want version %d, got %d", v, ev.Version)
		}
	}
}

func TestHub_UnsubscribeMidBurstKeepsOthersWhole(t *testing.T) {
	h := newTestHub(Options{BufferSize: 2048})
	leaving, _ := h.Subscribe(inventory.TopicAll)
	staying, _ := h.Subscribe(inventory.TopicAll)

	const n = 1000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for v := int64(1); v <= n; v++ {
			h.Publish(inventory.TopicAll, event("sku-1", v))
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		h.Unsubscribe(leaving)
		h.Unsubscribe(leaving)
	}()
	wg.Wait()

	for v := int64(1); v <= n; v++ {
		if ev := nextWithin(t, staying, time.Second); ev.Version != v {
			t.Fatalf("want version %d, got %d", v, ev.Version)
		}
	}
	if st := leaving.State(); st == StateOpen {
		t.Fatalf("want leaving subscription draining or closed, got %s", st)
	}
}

func TestHub_ConcurrentPublishersKeepPerProductOrder(t *testing.T) {
	h := newTestHub(Options{BufferSize: 4096})
	sub, _ := h.Subscribe(inventory.TopicAll)

	products := []string{"sku-a", "sku-b", "sku-c", "sku-d"}
	const perProduct = 200

	var wg sync.WaitGroup
	for _, id := range products {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for v := int64(1); v <= perProduct; v++ {
				h.Publish(inventory.TopicAll, event(id, v))
			}
		}(id)
	}
	wg.Wait()

	last := make(map[string]int64)
	count := 0
	for sub.Len() > 0 {
		ev := nextWithin(t, sub, time.Second)
		if ev.Version <= last[ev.ProductID] {
			t.Fatalf("product %s went from version %d to %d", ev.ProductID, last[ev.ProductID], ev.Version)
		}
		last[ev.ProductID] = ev.Version
		count++
	}
	if count != len(products)*perProduct {
		t.Fatalf("want %d events, got %d", len(products)*perProduct, count)
	}
}

func TestHub_CloseRejectsSubscribersAndDrains(t *testing.T) {
	h := newTestHub(Options{})
	sub, _ := h.Subscribe(inventory.TopicAll)
	h.Publish(inventory.TopicAll, event("sku-1", 1))

	h.Close()
	h.Close()

	if _, err := h.Subscribe(inventory.TopicAll); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("want ErrHubClosed, got %v", err)
	}
	if got := h.Publish(inventory.TopicAll, event("sku-1", 2)); got != 0 {
		t.Fatalf("closed hub delivered to %d subscribers", got)
	}

	if ev := nextWithin(t, sub, time.Second); ev.Version != 1 {
		t.Fatalf("want buffered version 1, got %d", ev.Version)
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrSubscriptionClosed) {
		t.Fatalf("want ErrSubscriptionClosed, got %v", err)
	}
}

func TestHub_StatsTracksSubscribers(t *testing.T) {
	h := newTestHub(Options{})
	a, _ := h.Subscribe(inventory.TopicAll)
	_, _ = h.Subscribe(inventory.ProductTopic("sku-1"))

	if stats := h.Stats(); stats.Topics != 2 || stats.Subscribers != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	h.Unsubscribe(a)
	if stats := h.Stats(); stats.Topics != 1 || stats.Subscribers != 1 {
		t.Fatalf("unexpected stats after unsubscribe %+v", stats)
	}
}

func TestHub_ForgetsVersionsOfAbandonedTopics(t *testing.T) {
	h := newTestHub(Options{})

	for i := 0; i < 50; i++ {
		h.Publish(inventory.ProductTopic("sku-1"), event("sku-1", int64(i+1)))
	}
	if n := len(h.lastVersion); n != 0 {
		t.Fatalf("want no versions tracked for unwatched topics, got %d", n)
	}

	sub, _ := h.Subscribe(inventory.TopicAll)
	h.Publish(inventory.TopicAll, event("sku-1", 3))
	h.Publish(inventory.TopicAll, event("sku-2", 1))
	if n := len(h.lastVersion[inventory.TopicAll]); n != 2 {
		t.Fatalf("want 2 tracked products, got %d", n)
	}

	h.Unsubscribe(sub)
	if n := len(h.lastVersion); n != 0 {
		t.Fatalf("want versions dropped with the last subscription, got %d topics", n)
	}

	again, _ := h.Subscribe(inventory.TopicAll)
	if got := h.Publish(inventory.TopicAll, event("sku-1", 3)); got != 1 {
		t.Fatalf("want redelivery to a fresh subscription, got %d", got)
	}
	if got := h.Publish(inventory.TopicAll, event("sku-1", 2)); got != 0 {
		t.Fatalf("stale event delivered to %d subscribers", got)
	}
	if versions := drainVersions(t, again); len(versions) != 1 || versions[0] != 3 {
		t.Fatalf("want [3], got %v", versions)
	}
}

func TestHub_SubscribeRejectsEmptyTopic(t *testing.T) {
	h := newTestHub(Options{})
	if _, err := h.Subscribe(""); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		raw     string
		want    Policy
		wantErr bool
	}{
		{raw: "", want: PolicyDropOldest},
		{raw: "drop-oldest", want: PolicyDropOldest},
		{raw: "reject", want: PolicyReject},
		{raw: "block", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParsePolicy(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("want %s, got %s", tt.want, got)
			}
		})
	}
}
