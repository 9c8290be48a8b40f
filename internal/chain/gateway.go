// Package chain handles all interactions with the dispute voting contract.
//
// The Gateway submits createDispute/vote/finalize transactions, reads token
// balances for voting eligibility, and queries the contract's event logs for
// the indexer. Every call is bounded by an explicit timeout so callers can
// distinguish a slow RPC endpoint from a contract-level revert.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/veralabs/disputed/internal/metrics"
	"github.com/veralabs/disputed/internal/retry"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrCallFailed        = errors.New("chain: contract call failed")
	ErrTxReverted        = errors.New("chain: transaction reverted")
	ErrEventNotFound     = errors.New("chain: expected event not found in receipt")
)

// CallError wraps a failed gateway operation with context.
type CallError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

// Ledger is the gateway contract consumed by the lifecycle service,
// indexer, and finalizer.
type Ledger interface {
	CreateDispute(ctx context.Context, platformDisputeID string) (*CreationResult, error)
	VoteOnBehalf(ctx context.Context, contractDisputeID int64, voter string, choice uint8) (*TxResult, error)
	Finalize(ctx context.Context, contractDisputeID int64) (*FinalizeResult, error)
	ForceFinalize(ctx context.Context, contractDisputeID int64) (*FinalizeResult, error)
	TokenBalance(ctx context.Context, tokenAddress, account string) (*big.Int, error)
	Head(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, number uint64) (string, error)
	QueryDisputeCreated(ctx context.Context, fromBlock, toBlock uint64) ([]CreatedEvent, error)
	QueryVoted(ctx context.Context, fromBlock, toBlock uint64) ([]VotedEvent, error)
	QueryDisputeFinalized(ctx context.Context, fromBlock, toBlock uint64) ([]FinalizedEvent, error)
}

// -----------------------------------------------------------------------------
// ABI
// -----------------------------------------------------------------------------

// votingABI is the dispute voting contract surface this service touches.
const votingABI = `[
	{"type":"function","name":"createDispute","inputs":[{"name":"platformDisputeIdHash","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"finalize","inputs":[{"name":"disputeId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"forceFinalize","inputs":[{"name":"disputeId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"voteOnBehalf","inputs":[{"name":"disputeId","type":"uint256"},{"name":"voter","type":"address"},{"name":"choice","type":"uint8"}],"outputs":[]},
	{"type":"event","name":"DisputeCreated","inputs":[{"name":"disputeId","type":"uint256","indexed":true},{"name":"platformDisputeIdHash","type":"bytes32","indexed":false},{"name":"deadline","type":"uint256","indexed":false}]},
	{"type":"event","name":"Voted","inputs":[{"name":"disputeId","type":"uint256","indexed":true},{"name":"voter","type":"address","indexed":true},{"name":"choice","type":"uint8","indexed":false}]},
	{"type":"event","name":"DisputeFinalized","inputs":[{"name":"disputeId","type":"uint256","indexed":true},{"name":"result","type":"uint8","indexed":false},{"name":"votesAgent","type":"uint256","indexed":false},{"name":"votesUser","type":"uint256","indexed":false}]}
]`

// erc20ABI is the minimal token surface needed for eligibility checks.
const erc20ABI = `[
	{"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const (
	// DefaultGasLimit for contract writes when estimation fails.
	DefaultGasLimit = uint64(300000)

	// DefaultCallTimeout bounds every RPC call.
	DefaultCallTimeout = 15 * time.Second

	// DefaultConfirmTimeout bounds waiting for a transaction receipt.
	DefaultConfirmTimeout = 90 * time.Second

	// confirmPollInterval between receipt checks.
	confirmPollInterval = 2 * time.Second

	// readRetries for transient RPC read failures.
	readRetries = 3
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new gateway.
type Config struct {
	RPCURL         string
	SignerKey      string // Hex string, 0x prefix optional
	ChainID        int64
	VotingContract string
	CallTimeout    time.Duration // 0 = DefaultCallTimeout
	ConfirmTimeout time.Duration // 0 = DefaultConfirmTimeout
}

// Option configures the gateway.
type Option func(*Gateway)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// TxResult contains details of a confirmed transaction.
type TxResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// CreationResult is the outcome of an on-chain createDispute call.
type CreationResult struct {
	ContractDisputeID int64
	Deadline          time.Time
	TxHash            string
}

// FinalizeResult is the outcome of a finalize/forceFinalize call, with the
// DisputeFinalized event absorbed from the receipt.
type FinalizeResult struct {
	TxHash     string
	ResultCode uint8
	VotesAgent int64
	VotesUser  int64
}

// Gateway talks to the dispute voting contract.
type Gateway struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	voting     abi.ABI
	erc20      abi.ABI
	callTO     time.Duration
	confirmTO  time.Duration
	logger     *slog.Logger
}

// Compile-time interface check
var _ Ledger = (*Gateway)(nil)

// New creates a new Gateway instance.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	votingParsed, err := abi.JSON(strings.NewReader(votingABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse voting ABI: %w", err)
	}
	erc20Parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	g := &Gateway{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.VotingContract),
		voting:     votingParsed,
		erc20:      erc20Parsed,
		callTO:     cfg.CallTimeout,
		confirmTO:  cfg.ConfirmTimeout,
		logger:     logger,
	}
	if g.callTO == 0 {
		g.callTO = DefaultCallTimeout
	}
	if g.confirmTO == 0 {
		g.confirmTO = DefaultConfirmTimeout
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}

	return g, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.SignerKey == "" {
		return fmt.Errorf("%w: signer key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.SignerKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.VotingContract) {
		return fmt.Errorf("%w: voting contract %q", ErrInvalidAddress, cfg.VotingContract)
	}
	return nil
}

// SignerAddress returns the address transactions are sent from.
func (g *Gateway) SignerAddress() string {
	return g.address.Hex()
}

// Close releases the underlying RPC client.
func (g *Gateway) Close() {
	g.client.Close()
}

// Head returns the current chain head block number.
func (g *Gateway) Head(ctx context.Context) (uint64, error) {
	defer observe("head")()
	ctx, cancel := context.WithTimeout(ctx, g.callTO)
	defer cancel()

	var head uint64
	err := retry.Do(ctx, readRetries, 500*time.Millisecond, func() error {
		var err error
		head, err = g.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, g.wrapRead("head", err)
	}
	return head, nil
}

// BlockHash returns the hash of the block at the given height.
func (g *Gateway) BlockHash(ctx context.Context, number uint64) (string, error) {
	defer observe("block_hash")()
	ctx, cancel := context.WithTimeout(ctx, g.callTO)
	defer cancel()

	var header *types.Header
	err := retry.Do(ctx, readRetries, 500*time.Millisecond, func() error {
		var err error
		header, err = g.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return "", g.wrapRead("block_hash", err)
	}
	return header.Hash().Hex(), nil
}

// TokenBalance returns the token balance of account on tokenAddress.
// A malformed address or an undecodable response signals a misconfigured
// platform and is reported as ErrInvalidAddress.
func (g *Gateway) TokenBalance(ctx context.Context, tokenAddress, account string) (*big.Int, error) {
	defer observe("token_balance")()
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("%w: token %q", ErrInvalidAddress, tokenAddress)
	}
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("%w: account %q", ErrInvalidAddress, account)
	}

	data, err := g.erc20.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	token := common.HexToAddress(tokenAddress)
	ctx, cancel := context.WithTimeout(ctx, g.callTO)
	defer cancel()

	var result []byte
	err = retry.Do(ctx, readRetries, 500*time.Millisecond, func() error {
		var err error
		result, err = g.client.CallContract(ctx, ethereum.CallMsg{
			To:   &token,
			Data: data,
		}, nil)
		return err
	})
	if err != nil {
		return nil, g.wrapRead("balanceOf", err)
	}

	// An empty return means the address is not a token contract.
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no balanceOf data from %s", ErrInvalidAddress, tokenAddress)
	}

	return new(big.Int).SetBytes(result), nil
}

// CreateDispute submits the on-chain createDispute transaction keyed by the
// keccak256 hash of platformDisputeID, waits for confirmation, and reads the
// assigned dispute ID and deadline back from the DisputeCreated event.
func (g *Gateway) CreateDispute(ctx context.Context, platformDisputeID string) (*CreationResult, error) {
	defer observe("create_dispute")()
	keyHash := crypto.Keccak256Hash([]byte(platformDisputeID))

	receipt, txHash, err := g.transact(ctx, "createDispute", [32]byte(keyHash))
	if err != nil {
		return nil, err
	}

	for _, lg := range receipt.Logs {
		ev, err := g.decodeCreated(*lg)
		if err != nil {
			continue
		}
		return &CreationResult{
			ContractDisputeID: ev.ContractDisputeID,
			Deadline:          ev.Deadline,
			TxHash:            txHash,
		}, nil
	}

	return nil, &CallError{Op: "createDispute", TxHash: txHash, Err: ErrEventNotFound}
}

// VoteOnBehalf submits a vote transaction for voter and waits for confirmation.
func (g *Gateway) VoteOnBehalf(ctx context.Context, contractDisputeID int64, voter string, choice uint8) (*TxResult, error) {
	defer observe("vote_on_behalf")()
	if !common.IsHexAddress(voter) {
		return nil, fmt.Errorf("%w: voter %q", ErrInvalidAddress, voter)
	}

	receipt, txHash, err := g.transact(ctx, "voteOnBehalf",
		big.NewInt(contractDisputeID), common.HexToAddress(voter), choice)
	if err != nil {
		return nil, err
	}

	return &TxResult{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// Finalize submits the finalize transaction and absorbs the DisputeFinalized
// event from the receipt.
func (g *Gateway) Finalize(ctx context.Context, contractDisputeID int64) (*FinalizeResult, error) {
	defer observe("finalize")()
	return g.finalize(ctx, "finalize", contractDisputeID)
}

// ForceFinalize finalizes a dispute before its deadline (administrative path).
func (g *Gateway) ForceFinalize(ctx context.Context, contractDisputeID int64) (*FinalizeResult, error) {
	defer observe("force_finalize")()
	return g.finalize(ctx, "forceFinalize", contractDisputeID)
}

func (g *Gateway) finalize(ctx context.Context, method string, contractDisputeID int64) (*FinalizeResult, error) {
	receipt, txHash, err := g.transact(ctx, method, big.NewInt(contractDisputeID))
	if err != nil {
		return nil, err
	}

	for _, lg := range receipt.Logs {
		ev, err := g.decodeFinalized(*lg)
		if err != nil {
			continue
		}
		return &FinalizeResult{
			TxHash:     txHash,
			ResultCode: ev.ResultCode,
			VotesAgent: ev.VotesAgent,
			VotesUser:  ev.VotesUser,
		}, nil
	}

	return nil, &CallError{Op: method, TxHash: txHash, Err: ErrEventNotFound}
}

// -----------------------------------------------------------------------------
// Transaction plumbing
// -----------------------------------------------------------------------------

// transact packs, signs, submits, and confirms a contract write.
func (g *Gateway) transact(ctx context.Context, method string, args ...interface{}) (*types.Receipt, string, error) {
	data, err := g.voting.Pack(method, args...)
	if err != nil {
		return nil, "", &CallError{Op: method, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTO)
	defer cancel()

	nonce, err := g.client.PendingNonceAt(callCtx, g.address)
	if err != nil {
		return nil, "", g.wrapSend(method, "", err)
	}

	gasPrice, err := g.client.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, "", g.wrapSend(method, "", err)
	}

	gasLimit, err := g.client.EstimateGas(callCtx, ethereum.CallMsg{
		From:  g.address,
		To:    &g.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Estimation failure usually means the call would revert; fall back to
		// a fixed limit and let the node reject it if so.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.privateKey)
	if err != nil {
		return nil, "", &CallError{Op: method, Err: err}
	}
	txHash := signedTx.Hash().Hex()

	if err := g.client.SendTransaction(callCtx, signedTx); err != nil {
		return nil, "", g.wrapSend(method, txHash, err)
	}

	g.logger.Debug("transaction submitted", "method", method, "tx", txHash, "nonce", nonce)

	receipt, err := g.waitMined(ctx, method, signedTx.Hash())
	if err != nil {
		return nil, txHash, err
	}
	return receipt, txHash, nil
}

// waitMined polls for the transaction receipt until confirmTO elapses.
func (g *Gateway) waitMined(ctx context.Context, method string, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTO)
	defer cancel()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &CallError{Op: method, TxHash: hash.Hex(), Err: ErrTimeout}
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &CallError{Op: method, TxHash: hash.Hex(), Err: ErrTxReverted}
			}
			return receipt, nil
		}
	}
}

func (g *Gateway) wrapSend(op, txHash string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	return &CallError{Op: op, TxHash: txHash, Err: err}
}

func (g *Gateway) wrapRead(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Op: op, Err: ErrTimeout}
	}
	return &CallError{Op: op, Err: fmt.Errorf("%w: %v", ErrCallFailed, err)}
}

func observe(method string) func() {
	timer := prometheus.NewTimer(metrics.ChainCallDuration.WithLabelValues(method))
	return func() { timer.ObserveDuration() }
}
