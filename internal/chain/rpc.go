package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// TransferTopic is the ERC20 Transfer(address,address,uint256) event id.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var ErrNotTransfer = errors.New("log is not an erc20 transfer")

// Transfer is a decoded token transfer into one of our deposit addresses.
type Transfer struct {
	TxHash   string
	Block    uint64
	LogIndex uint
	From     string
	To       string
	Amount   decimal.Decimal
	Removed  bool
}

func DecodeTransfer(l types.Log) (Transfer, error) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return Transfer{}, ErrNotTransfer
	}
	if len(l.Data) != 32 {
		return Transfer{}, fmt.Errorf("transfer data: want 32 bytes, got %d", len(l.Data))
	}
	return Transfer{
		TxHash:   l.TxHash.Hex(),
		Block:    l.BlockNumber,
		LogIndex: l.Index,
		From:     common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		To:       common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
		Amount:   FromUnits(new(big.Int).SetBytes(l.Data)),
		Removed:  l.Removed,
	}, nil
}

// TransferQuery filters token transfers to any of recipients in [from, to].
func TransferQuery(token common.Address, recipients []common.Address, from, to uint64) ethereum.FilterQuery {
	topics := make([]common.Hash, 0, len(recipients))
	for _, r := range recipients {
		topics = append(topics, common.BytesToHash(r.Bytes()))
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{TransferTopic}, nil, topics},
	}
}

func (m *MultiRPCClient) LatestHeight(ctx context.Context) (uint64, error) {
	return m.BlockNumber(ctx)
}

// TokenTransfers returns decoded transfers of token into recipients between
// the two heights, inclusive. Logs that do not decode are skipped.
func (m *MultiRPCClient) TokenTransfers(ctx context.Context, token common.Address, recipients []common.Address, from, to uint64) ([]Transfer, error) {
	if len(recipients) == 0 || from > to {
		return nil, nil
	}
	logs, err := m.FilterLogs(ctx, TransferQuery(token, recipients, from, to))
	if err != nil {
		return nil, err
	}
	out := make([]Transfer, 0, len(logs))
	for _, l := range logs {
		t, err := DecodeTransfer(l)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
