package router_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lilltek-go/fabric/pkg/channel"
	"github.com/lilltek-go/fabric/pkg/dispatch"
	"github.com/lilltek-go/fabric/pkg/envelope"
	"github.com/lilltek-go/fabric/pkg/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendToLocalDispatchesWithoutNetwork(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp := dispatch.New(ctx, testLogger())
	defer disp.Close()

	var mu sync.Mutex
	var received int
	err := disp.AddPhysical(envelope.TypeUserBase, "", func(context.Context, envelope.Envelope) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("AddPhysical: unexpected error: %v", err)
	}

	cfg := router.DefaultConfig()
	cfg.RouterEP = "physical://root:135/hub0/leaf0"
	cfg.Role = router.RoleLeaf

	chMgr := channel.NewManager(testLogger())
	defer chMgr.Close()
	codec := envelope.NewCodec(1<<20, nil)

	r := router.New(cfg, testLogger(), codec, chMgr, disp)

	env := envelope.Envelope{
		TypeID: envelope.TypeUserBase,
		ToEP:   "physical://root:135/hub0/leaf0",
		TTL:    10,
	}
	if err := r.SendTo(ctx, env.ToEP, env); err != nil {
		t.Fatalf("SendTo: unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := received
		mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("local handler was not invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendToNoRouteReturnsNoRouteKind(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp := dispatch.New(ctx, testLogger())
	defer disp.Close()

	cfg := router.DefaultConfig()
	cfg.RouterEP = "physical://root:135/hub0/leaf0"

	chMgr := channel.NewManager(testLogger())
	defer chMgr.Close()
	codec := envelope.NewCodec(1<<20, nil)

	r := router.New(cfg, testLogger(), codec, chMgr, disp)

	env := envelope.Envelope{TypeID: envelope.TypeUserBase, ToEP: "logical://nowhere", TTL: 10}
	if err := r.SendTo(ctx, env.ToEP, env); err == nil {
		t.Fatal("expected NoRoute error, got nil")
	}
}

func TestOnReceiveOffersSessionHookBeforeDispatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp := dispatch.New(ctx, testLogger())
	defer disp.Close()

	var mu sync.Mutex
	var dispatched int
	err := disp.AddPhysical(envelope.TypeUserBase, "", func(context.Context, envelope.Envelope) error {
		mu.Lock()
		dispatched++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("AddPhysical: unexpected error: %v", err)
	}

	cfg := router.DefaultConfig()
	cfg.RouterEP = "physical://root:135/hub0/leaf0"

	chMgr := channel.NewManager(testLogger())
	defer chMgr.Close()
	codec := envelope.NewCodec(1<<20, nil)

	r := router.New(cfg, testLogger(), codec, chMgr, disp)

	var claimed int
	r.OnSessionReply(func(envelope.Envelope) bool {
		claimed++
		return true
	})

	env := envelope.Envelope{
		TypeID: envelope.TypeUserBase,
		ToEP:   "physical://root:135/hub0/leaf0",
		TTL:    10,
	}
	wire, err := codec.Encode(env)
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}

	r.OnReceive("tcp://peer:1", wire)

	if claimed != 1 {
		t.Fatalf("expected session hook to be offered once, got %d", claimed)
	}
	mu.Lock()
	defer mu.Unlock()
	if dispatched != 0 {
		t.Fatalf("expected dispatcher to be skipped once the session hook claims the envelope, got %d calls", dispatched)
	}
}
