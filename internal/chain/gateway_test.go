package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Well-known throwaway development key; never holds funds.
const (
	testSignerKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testSignerAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testContract   = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

type fakeEthClient struct {
	mu sync.Mutex

	head        uint64
	headErrs    []error // consumed one per BlockNumber call
	callResult  []byte
	callErr     error
	callCount   int
	headCalls   int
	closeCalled bool
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return errors.New("not implemented")
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}

func (f *fakeEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeEthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number}, nil
}

func (f *fakeEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	if len(f.headErrs) > 0 {
		err := f.headErrs[0]
		f.headErrs = f.headErrs[1:]
		return 0, err
	}
	return f.head, nil
}

func (f *fakeEthClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalled = true
}

func newTestGateway(t *testing.T, client EthClient) *Gateway {
	t.Helper()
	g, err := New(Config{
		RPCURL:         "http://localhost:8545",
		SignerKey:      testSignerKey,
		ChainID:        31337,
		VotingContract: testContract,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClient(client))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestNewValidatesConfig(t *testing.T) {
	valid := Config{
		RPCURL:         "http://localhost:8545",
		SignerKey:      testSignerKey,
		ChainID:        31337,
		VotingContract: testContract,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing rpc url", func(c *Config) { c.RPCURL = "" }, ErrRPCConnection},
		{"missing signer key", func(c *Config) { c.SignerKey = "" }, ErrInvalidPrivateKey},
		{"short signer key", func(c *Config) { c.SignerKey = "0xabcd" }, ErrInvalidPrivateKey},
		{"bad contract address", func(c *Config) { c.VotingContract = "not-an-address" }, ErrInvalidAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			_, err := New(cfg, logger, WithClient(&fakeEthClient{}))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}

	t.Run("zero chain id", func(t *testing.T) {
		cfg := valid
		cfg.ChainID = 0
		if _, err := New(cfg, logger, WithClient(&fakeEthClient{})); err == nil {
			t.Error("zero chain id accepted")
		}
	})

	t.Run("0x prefix accepted", func(t *testing.T) {
		cfg := valid
		cfg.SignerKey = "0x" + testSignerKey
		if _, err := New(cfg, logger, WithClient(&fakeEthClient{})); err != nil {
			t.Errorf("prefixed key rejected: %v", err)
		}
	})
}

func TestSignerAddress(t *testing.T) {
	g := newTestGateway(t, &fakeEthClient{})
	if got := g.SignerAddress(); got != testSignerAddr {
		t.Errorf("SignerAddress = %s, want %s", got, testSignerAddr)
	}
}

func TestHeadRetriesTransientFailures(t *testing.T) {
	client := &fakeEthClient{
		head:     142,
		headErrs: []error{errors.New("connection reset")},
	}
	g := newTestGateway(t, client)

	head, err := g.Head(context.Background())
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != 142 {
		t.Errorf("head = %d, want 142", head)
	}
	if client.headCalls != 2 {
		t.Errorf("calls = %d, want 2", client.headCalls)
	}
}

func TestBlockHash(t *testing.T) {
	g := newTestGateway(t, &fakeEthClient{})

	hash, err := g.BlockHash(context.Background(), 42)
	if err != nil {
		t.Fatalf("BlockHash: %v", err)
	}
	if len(hash) != 66 || hash[:2] != "0x" {
		t.Errorf("hash = %q, want 0x-prefixed 32-byte hex", hash)
	}
}

func TestTokenBalance(t *testing.T) {
	balance := big.NewInt(1_500_000)
	client := &fakeEthClient{
		callResult: common.BigToHash(balance).Bytes(),
	}
	g := newTestGateway(t, client)

	got, err := g.TokenBalance(context.Background(),
		"0xabc0000000000000000000000000000000000001", testSignerAddr)
	if err != nil {
		t.Fatalf("TokenBalance: %v", err)
	}
	if got.Cmp(balance) != 0 {
		t.Errorf("balance = %s, want %s", got, balance)
	}
}

func TestTokenBalanceRejectsBadAddresses(t *testing.T) {
	g := newTestGateway(t, &fakeEthClient{})

	_, err := g.TokenBalance(context.Background(), "bogus", testSignerAddr)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("bad token: err = %v, want ErrInvalidAddress", err)
	}

	_, err = g.TokenBalance(context.Background(),
		"0xabc0000000000000000000000000000000000001", "bogus")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("bad account: err = %v, want ErrInvalidAddress", err)
	}
}

func TestTokenBalanceRejectsNonContract(t *testing.T) {
	// Calling balanceOf on a plain account returns no data.
	g := newTestGateway(t, &fakeEthClient{callResult: nil})

	_, err := g.TokenBalance(context.Background(),
		"0xabc0000000000000000000000000000000000001", testSignerAddr)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestClose(t *testing.T) {
	client := &fakeEthClient{}
	g := newTestGateway(t, client)
	g.Close()
	if !client.closeCalled {
		t.Error("underlying client not closed")
	}
}
