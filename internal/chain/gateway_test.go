package chain

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testContract  = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x4444444444444444444444444444444444444444"
)

var testEscrow = "0x" + strings.Repeat("ab", 32)

// nodeStub accepts every broadcast. The first hangSends broadcasts reach the
// mempool but never answer, like a response lost to a timeout.
type nodeStub struct {
	mu         sync.Mutex
	hangSends  int
	mine       bool
	revertNext bool
	sends      []common.Hash
	nonces     []uint64
	nonceCalls int
	receipts   map[common.Hash]*types.Receipt
}

func newNodeStub() *nodeStub {
	return &nodeStub{receipts: map[common.Hash]*types.Receipt{}}
}

func (n *nodeStub) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (n *nodeStub) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(1_000_000_000_000).Bytes(), 32), nil
}

func (n *nodeStub) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonceCalls++
	return uint64(len(n.nonces)), nil
}

func (n *nodeStub) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (n *nodeStub) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (n *nodeStub) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	n.mu.Lock()
	n.sends = append(n.sends, tx.Hash())
	if len(n.sends) == 1 || tx.Nonce() >= uint64(len(n.nonces)) {
		n.nonces = append(n.nonces, tx.Nonce())
	}
	if n.mine {
		status := types.ReceiptStatusSuccessful
		if n.revertNext {
			status, n.revertNext = types.ReceiptStatusFailed, false
		}
		n.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	}
	hang := n.hangSends > 0
	if hang {
		n.hangSends--
	}
	n.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (n *nodeStub) distinctNonces() map[uint64]bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := map[uint64]bool{}
	for _, v := range n.nonces {
		out[v] = true
	}
	return out
}

func newTestGateway(t *testing.T, node *nodeStub) *EVMGateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	g, err := NewEVMGateway(node, testContract, hex.EncodeToString(crypto.FromECDSA(key)), 1, Retrier{
		Attempts:    3,
		BaseDelay:   time.Millisecond,
		CallTimeout: 100 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestSendReturnsMinedHash(t *testing.T) {
	node := newNodeStub()
	node.mine = true
	g := newTestGateway(t, node)

	ref, err := g.PartialFillEscrow(context.Background(), testEscrow, decimal.NewFromInt(15), testRecipient)
	require.NoError(t, err)
	require.Len(t, node.sends, 1)
	assert.Equal(t, node.sends[0].Hex(), ref)
}

func TestSendTimeoutAfterAcceptNeverSignsAgain(t *testing.T) {
	node := newNodeStub()
	node.hangSends = 1
	g := newTestGateway(t, node)

	_, err := g.DispenseFromPool(context.Background(), decimal.NewFromInt(25), testRecipient)
	require.ErrorIs(t, err, ErrUnconfirmed)

	assert.Equal(t, 1, node.nonceCalls)
	require.Len(t, node.sends, 2)
	assert.Equal(t, node.sends[0], node.sends[1], "only the original signed bytes may be re-sent")
	assert.Len(t, node.distinctNonces(), 1)
	assert.Contains(t, err.Error(), node.sends[0].Hex())
}

func TestSendTimeoutAfterAcceptFindsReceipt(t *testing.T) {
	node := newNodeStub()
	node.hangSends = 1
	node.mine = true
	g := newTestGateway(t, node)

	ref, err := g.PartialFillEscrow(context.Background(), testEscrow, decimal.NewFromInt(15), testRecipient)
	require.NoError(t, err)
	assert.Equal(t, node.sends[0].Hex(), ref)
	assert.Equal(t, 1, node.nonceCalls)
	assert.Len(t, node.sends, 1)
}

func TestSendRevertIsFinal(t *testing.T) {
	node := newNodeStub()
	node.mine = true
	node.revertNext = true
	g := newTestGateway(t, node)

	_, err := g.PartialFillEscrow(context.Background(), testEscrow, decimal.NewFromInt(15), testRecipient)
	require.ErrorIs(t, err, ErrReverted)
	assert.True(t, IsPermanent(err))
	assert.Len(t, node.sends, 1)
}

func TestExecuteEscrowRejectsBadCustody(t *testing.T) {
	node := newNodeStub()
	node.mine = true
	g := newTestGateway(t, node)

	for _, custody := range []string{"", "not-an-address", "0x0000000000000000000000000000000000000000"} {
		_, err := g.ExecuteEscrow(context.Background(), testEscrow, custody)
		require.ErrorIs(t, err, ErrInvalidCustody, custody)
		assert.True(t, IsPermanent(err))
	}
	assert.Empty(t, node.sends)

	_, err := g.ExecuteEscrow(context.Background(), testEscrow, "0x5555555555555555555555555555555555555555")
	require.NoError(t, err)
}
