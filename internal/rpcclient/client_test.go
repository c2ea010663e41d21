package rpcclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/chaintest"
	"github.com/Klingon-tech/klingnet-pow/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/mempool"
	"github.com/Klingon-tech/klingnet-pow/internal/rpc"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
)

type testEnv struct {
	client *Client
	b      *chaintest.Builder
	blocks []*block.Block
	coord  *consensus.MineCoordinator
	pow    *consensus.PoW
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	b := chaintest.NewBuilder(t)
	blocks := b.Chain(t, b.Genesis(t), 2)

	pow, err := consensus.NewPoW(8, false)
	if err != nil {
		t.Fatal(err)
	}
	coord := consensus.NewMineCoordinator(pow)

	srv := rpc.New("127.0.0.1:0", rpc.Backend{
		Chain:   b.Manager,
		Pool:    mempool.New(0),
		Genesis: config.DevnetGenesis(),
	}, config.RPCConfig{})
	srv.SetMining(coord, pow)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		client: New("http://" + srv.Addr()),
		b:      b,
		blocks: blocks,
		coord:  coord,
		pow:    pow,
	}
}

func TestClient_ChainInfo(t *testing.T) {
	env := setupTestEnv(t)

	info, err := env.client.ChainInfo(context.Background())
	if err != nil {
		t.Fatalf("ChainInfo: %v", err)
	}
	if info.Height != 2 {
		t.Errorf("height = %d, want 2", info.Height)
	}
	if info.Root != env.blocks[1].ID() {
		t.Error("root mismatch")
	}
}

func TestClient_Block(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	byHeight, err := env.client.Block(ctx, "1")
	if err != nil {
		t.Fatalf("Block(1): %v", err)
	}
	if byHeight.Hash != env.blocks[0].ID().String() {
		t.Errorf("hash = %s, want %s", byHeight.Hash, env.blocks[0].ID())
	}

	byHash, err := env.client.Block(ctx, env.blocks[1].ID().String())
	if err != nil {
		t.Fatalf("Block(hash): %v", err)
	}
	if byHash.Certificate.Height != 2 {
		t.Errorf("height = %d, want 2", byHash.Certificate.Height)
	}

	_, err = env.client.Block(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeNotFound {
		t.Fatalf("err = %v, want CodeNotFound", err)
	}
}

func TestClient_NodeViews(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	heads, err := env.client.Heads(ctx)
	if err != nil || heads.Count != 1 || !heads.Heads[0].Main {
		t.Errorf("Heads = %+v, %v", heads, err)
	}
	mp, err := env.client.Mempool(ctx)
	if err != nil || mp.Count != 0 {
		t.Errorf("Mempool = %+v, %v", mp, err)
	}
	peers, err := env.client.Peers(ctx)
	if err != nil || peers.Count != 0 {
		t.Errorf("Peers = %+v, %v", peers, err)
	}
	bans, err := env.client.Bans(ctx)
	if err != nil || bans.Count != 0 {
		t.Errorf("Bans = %+v, %v", bans, err)
	}
}

func TestClient_MiningRoundTrip(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	res, err := env.client.MiningContext(ctx)
	if err != nil {
		t.Fatalf("MiningContext: %v", err)
	}
	if res.Context != nil {
		t.Fatal("context open before any round")
	}

	done := env.coord.SubmitContext(consensus.MineContext{Header: []byte("client-round"), Nonce: 3})
	res, err = env.client.MiningContext(ctx)
	if err != nil || res.Context == nil {
		t.Fatalf("MiningContext = %+v, %v; want open context", res, err)
	}

	proof, err := consensus.Solve(ctx, res.Context.Header, res.Context.Nonce, res.Target, 2)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	ok, err := env.client.SubmitSolution(ctx, res.Context, proof)
	if err != nil || !ok {
		t.Fatalf("SubmitSolution = %v, %v; want accepted", ok, err)
	}
	select {
	case got := <-done:
		if got == nil {
			t.Fatal("round cancelled instead of solved")
		}
	case <-time.After(time.Second):
		t.Fatal("coordinator never delivered the proof")
	}

	// A second submission for the same context is stale.
	ok, err = env.client.SubmitSolution(ctx, res.Context, proof)
	if err != nil || ok {
		t.Errorf("resubmit = %v, %v; want rejected", ok, err)
	}
}

func TestClient_UnreachableEndpoint(t *testing.T) {
	client := New("http://127.0.0.1:1", WithTimeout(500*time.Millisecond))
	if err := client.Call(context.Background(), "chain_getInfo", nil, nil); err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
}

func TestClient_Cancelled(t *testing.T) {
	env := setupTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.client.ChainInfo(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClient_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)

	err := env.client.Call(context.Background(), "bogus_method", nil, nil)
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *rpc.Error", err)
	}
	if rpcErr.Code != rpc.CodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, rpc.CodeMethodNotFound)
	}
}
