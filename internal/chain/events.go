package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event names emitted by the voting contract.
const (
	EventDisputeCreated   = "DisputeCreated"
	EventVoted            = "Voted"
	EventDisputeFinalized = "DisputeFinalized"
)

// CreatedEvent is a decoded DisputeCreated log.
type CreatedEvent struct {
	ContractDisputeID int64
	KeyHash           common.Hash // keccak256 of the platform dispute ID
	Deadline          time.Time
	TxHash            string
	BlockNumber       uint64
}

// VotedEvent is a decoded Voted log.
type VotedEvent struct {
	ContractDisputeID int64
	Voter             string // lowercased hex address
	Choice            uint8
	TxHash            string
	BlockNumber       uint64
}

// FinalizedEvent is a decoded DisputeFinalized log.
type FinalizedEvent struct {
	ContractDisputeID int64
	ResultCode        uint8
	VotesAgent        int64
	VotesUser         int64
	TxHash            string
	BlockNumber       uint64
}

// QueryDisputeCreated returns DisputeCreated events in [fromBlock, toBlock],
// in chain order.
func (g *Gateway) QueryDisputeCreated(ctx context.Context, fromBlock, toBlock uint64) ([]CreatedEvent, error) {
	defer observe("query_created")()
	logs, err := g.filterEvent(ctx, EventDisputeCreated, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	events := make([]CreatedEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := g.decodeCreated(lg)
		if err != nil {
			g.logger.Warn("skipping undecodable DisputeCreated log", "tx", lg.TxHash.Hex(), "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// QueryVoted returns Voted events in [fromBlock, toBlock], in chain order.
func (g *Gateway) QueryVoted(ctx context.Context, fromBlock, toBlock uint64) ([]VotedEvent, error) {
	defer observe("query_voted")()
	logs, err := g.filterEvent(ctx, EventVoted, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	events := make([]VotedEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := g.decodeVoted(lg)
		if err != nil {
			g.logger.Warn("skipping undecodable Voted log", "tx", lg.TxHash.Hex(), "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// QueryDisputeFinalized returns DisputeFinalized events in [fromBlock, toBlock],
// in chain order.
func (g *Gateway) QueryDisputeFinalized(ctx context.Context, fromBlock, toBlock uint64) ([]FinalizedEvent, error) {
	defer observe("query_finalized")()
	logs, err := g.filterEvent(ctx, EventDisputeFinalized, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	events := make([]FinalizedEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := g.decodeFinalized(lg)
		if err != nil {
			g.logger.Warn("skipping undecodable DisputeFinalized log", "tx", lg.TxHash.Hex(), "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (g *Gateway) filterEvent(ctx context.Context, name string, fromBlock, toBlock uint64) ([]types.Log, error) {
	event, ok := g.voting.Events[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %q", ErrCallFailed, name)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{{event.ID}},
	}

	ctx, cancel := context.WithTimeout(ctx, g.callTO)
	defer cancel()

	logs, err := g.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, g.wrapRead("filter "+name, err)
	}
	return logs, nil
}

func (g *Gateway) decodeCreated(lg types.Log) (CreatedEvent, error) {
	event := g.voting.Events[EventDisputeCreated]
	if len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
		return CreatedEvent{}, fmt.Errorf("not a DisputeCreated log")
	}

	out := make(map[string]interface{})
	if err := g.voting.UnpackIntoMap(out, EventDisputeCreated, lg.Data); err != nil {
		return CreatedEvent{}, err
	}

	keyHash, ok := out["platformDisputeIdHash"].([32]byte)
	if !ok {
		return CreatedEvent{}, fmt.Errorf("missing platformDisputeIdHash")
	}
	deadline, ok := out["deadline"].(*big.Int)
	if !ok {
		return CreatedEvent{}, fmt.Errorf("missing deadline")
	}

	return CreatedEvent{
		ContractDisputeID: new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64(),
		KeyHash:           common.Hash(keyHash),
		Deadline:          time.Unix(deadline.Int64(), 0).UTC(),
		TxHash:            lg.TxHash.Hex(),
		BlockNumber:       lg.BlockNumber,
	}, nil
}

func (g *Gateway) decodeVoted(lg types.Log) (VotedEvent, error) {
	event := g.voting.Events[EventVoted]
	if len(lg.Topics) < 3 || lg.Topics[0] != event.ID {
		return VotedEvent{}, fmt.Errorf("not a Voted log")
	}

	out := make(map[string]interface{})
	if err := g.voting.UnpackIntoMap(out, EventVoted, lg.Data); err != nil {
		return VotedEvent{}, err
	}

	choice, ok := out["choice"].(uint8)
	if !ok {
		return VotedEvent{}, fmt.Errorf("missing choice")
	}

	voter := common.HexToAddress(lg.Topics[2].Hex())
	return VotedEvent{
		ContractDisputeID: new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64(),
		Voter:             strings.ToLower(voter.Hex()),
		Choice:            choice,
		TxHash:            lg.TxHash.Hex(),
		BlockNumber:       lg.BlockNumber,
	}, nil
}

func (g *Gateway) decodeFinalized(lg types.Log) (FinalizedEvent, error) {
	event := g.voting.Events[EventDisputeFinalized]
	if len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
		return FinalizedEvent{}, fmt.Errorf("not a DisputeFinalized log")
	}

	out := make(map[string]interface{})
	if err := g.voting.UnpackIntoMap(out, EventDisputeFinalized, lg.Data); err != nil {
		return FinalizedEvent{}, err
	}

	resultCode, ok := out["result"].(uint8)
	if !ok {
		return FinalizedEvent{}, fmt.Errorf("missing result")
	}
	votesAgent, ok := out["votesAgent"].(*big.Int)
	if !ok {
		return FinalizedEvent{}, fmt.Errorf("missing votesAgent")
	}
	votesUser, ok := out["votesUser"].(*big.Int)
	if !ok {
		return FinalizedEvent{}, fmt.Errorf("missing votesUser")
	}

	return FinalizedEvent{
		ContractDisputeID: new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64(),
		ResultCode:        resultCode,
		VotesAgent:        votesAgent.Int64(),
		VotesUser:         votesUser.Int64(),
		TxHash:            lg.TxHash.Hex(),
		BlockNumber:       lg.BlockNumber,
	}, nil
}
