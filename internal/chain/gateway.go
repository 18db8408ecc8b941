package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"RampSettle/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gateway is the set of on-chain operations the settlement engine drives. Each
// call returns the transaction reference once the effect is confirmed.
type Gateway interface {
	DispenseFromPool(ctx context.Context, amount decimal.Decimal, recipient string) (string, error)
	ExecuteEscrow(ctx context.Context, escrowRef, custody string) (string, error)
	PartialFillEscrow(ctx context.Context, escrowRef string, amount decimal.Decimal, recipient string) (string, error)
	PushOracleRate(ctx context.Context, mid decimal.Decimal, spreadBps int64) (string, error)
	// VerifyRefund checks that txRef refunded escrowRef and returns the refunded amount.
	VerifyRefund(ctx context.Context, escrowRef, txRef string) (decimal.Decimal, error)
}

var (
	ErrRefundNotFound = errors.New("refund event not found in transaction")
	ErrReverted       = errors.New("settlement transaction reverted")
	ErrInvalidCustody = errors.New("invalid custody address")
)

// ChainClient is the subset of node calls the gateway signs and tracks
// transactions through. MultiRPCClient implements it.
type ChainClient interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ ChainClient = (*MultiRPCClient)(nil)

// ParseEscrowRef validates a 0x-prefixed 32 byte escrow id.
func ParseEscrowRef(ref string) ([32]byte, error) {
	var id [32]byte
	b, err := hexutil.Decode(ref)
	if err != nil {
		return id, fmt.Errorf("escrow ref: %w", err)
	}
	if len(b) != 32 {
		return id, fmt.Errorf("escrow ref must be 32 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func ToUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(models.AssetDecimals).BigInt()
}

func FromUnits(units *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(units, -models.AssetDecimals)
}

type EVMGateway struct {
	RPC      ChainClient
	Contract common.Address
	ChainID  *big.Int
	Retry    Retrier
	Logger   *zap.Logger

	key   *ecdsa.PrivateKey
	from  common.Address
	abi   abi.ABI
	nonce sync.Mutex
}

func NewEVMGateway(rpc ChainClient, contract, privateKey string, chainID int64, retry Retrier, logger *zap.Logger) (*EVMGateway, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid settlement contract %q", contract)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("gateway key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, err
	}
	return &EVMGateway{
		RPC:      rpc,
		Contract: common.HexToAddress(contract),
		ChainID:  big.NewInt(chainID),
		Retry:    retry,
		Logger:   logger,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		abi:      parsed,
	}, nil
}

var _ Gateway = (*EVMGateway)(nil)

func (g *EVMGateway) DispenseFromPool(ctx context.Context, amount decimal.Decimal, recipient string) (string, error) {
	if !common.IsHexAddress(recipient) {
		return "", Permanent(fmt.Errorf("invalid recipient %q", recipient))
	}
	units := ToUnits(amount)
	data, err := g.abi.Pack("dispenseFromPool", common.HexToAddress(recipient), units)
	if err != nil {
		return "", err
	}
	return g.send(ctx, "dispense_from_pool", data, func(ctx context.Context) error {
		bal, err := g.poolBalance(ctx)
		if err != nil {
			return err
		}
		if bal.Cmp(units) < 0 {
			return Permanent(fmt.Errorf("%w: pool %s < %s", ErrInsufficientLiquidity, FromUnits(bal), amount))
		}
		return nil
	})
}

func (g *EVMGateway) ExecuteEscrow(ctx context.Context, escrowRef, custody string) (string, error) {
	id, err := ParseEscrowRef(escrowRef)
	if err != nil {
		return "", Permanent(err)
	}
	if !common.IsHexAddress(custody) || common.HexToAddress(custody) == (common.Address{}) {
		return "", Permanent(fmt.Errorf("%w %q", ErrInvalidCustody, custody))
	}
	data, err := g.abi.Pack("executeEscrow", id, common.HexToAddress(custody))
	if err != nil {
		return "", err
	}
	return g.send(ctx, "execute_escrow", data, nil)
}

func (g *EVMGateway) PartialFillEscrow(ctx context.Context, escrowRef string, amount decimal.Decimal, recipient string) (string, error) {
	id, err := ParseEscrowRef(escrowRef)
	if err != nil {
		return "", Permanent(err)
	}
	if !common.IsHexAddress(recipient) {
		return "", Permanent(fmt.Errorf("invalid recipient %q", recipient))
	}
	data, err := g.abi.Pack("partialFillEscrow", id, ToUnits(amount), common.HexToAddress(recipient))
	if err != nil {
		return "", err
	}
	return g.send(ctx, "partial_fill_escrow", data, nil)
}

func (g *EVMGateway) PushOracleRate(ctx context.Context, mid decimal.Decimal, spreadBps int64) (string, error) {
	data, err := g.abi.Pack("pushOracleRate", ToUnits(mid), big.NewInt(spreadBps))
	if err != nil {
		return "", err
	}
	return g.send(ctx, "push_oracle_rate", data, nil)
}

func (g *EVMGateway) VerifyRefund(ctx context.Context, escrowRef, txRef string) (decimal.Decimal, error) {
	id, err := ParseEscrowRef(escrowRef)
	if err != nil {
		return decimal.Zero, err
	}
	receipt, err := g.RPC.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		return decimal.Zero, fmt.Errorf("refund receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return decimal.Zero, fmt.Errorf("refund tx %s reverted", txRef)
	}
	event := g.abi.Events["EscrowRefunded"]
	for _, l := range receipt.Logs {
		if l.Address != g.Contract || len(l.Topics) < 2 || l.Topics[0] != event.ID || l.Topics[1] != common.Hash(id) {
			continue
		}
		vals, err := g.abi.Unpack("EscrowRefunded", l.Data)
		if err != nil {
			return decimal.Zero, fmt.Errorf("decode refund event: %w", err)
		}
		amount, ok := vals[1].(*big.Int)
		if !ok {
			return decimal.Zero, fmt.Errorf("unexpected refund amount type %T", vals[1])
		}
		return FromUnits(amount), nil
	}
	return decimal.Zero, ErrRefundNotFound
}

func (g *EVMGateway) poolBalance(ctx context.Context) (*big.Int, error) {
	data, err := g.abi.Pack("poolBalance")
	if err != nil {
		return nil, err
	}
	out, err := g.RPC.CallContract(ctx, ethereum.CallMsg{To: &g.Contract, Data: data})
	if err != nil {
		return nil, err
	}
	vals, err := g.abi.Unpack("poolBalance", out)
	if err != nil {
		return nil, err
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected pool balance type %T", vals[0])
	}
	return bal, nil
}

// send broadcasts a contract call under the retry policy. The signed
// transaction is remembered before it is broadcast, so an attempt cut off
// mid-broadcast is never signed again under a new nonce: later attempts look
// up its receipt, re-send the same signed bytes, and end with ErrUnconfirmed
// while the outcome is unknown. A reverted transaction is final.
func (g *EVMGateway) send(ctx context.Context, op string, data []byte, precheck func(context.Context) error) (string, error) {
	var sent atomic.Pointer[types.Transaction]
	return g.Retry.Do(ctx, op, func(ctx context.Context) (string, error) {
		if tx := sent.Load(); tx != nil {
			return g.reconcile(ctx, op, tx)
		}

		if precheck != nil {
			if err := precheck(ctx); err != nil {
				return "", err
			}
		}
		tx, err := g.signAndSend(ctx, data, func(tx *types.Transaction) { sent.Store(tx) })
		if err != nil {
			return "", err
		}
		g.Logger.Info("settlement tx broadcast", zap.String("op", op), zap.String("tx", tx.Hash().Hex()))

		receipt, err := g.waitMined(ctx, tx.Hash())
		if err != nil {
			return "", err
		}
		return checkReceipt(op, tx, receipt)
	})
}

// reconcile settles the fate of a transaction signed by an earlier attempt.
func (g *EVMGateway) reconcile(ctx context.Context, op string, tx *types.Transaction) (string, error) {
	logger := g.Logger.With(zap.String("op", op), zap.String("tx", tx.Hash().Hex()))
	receipt, err := g.RPC.TransactionReceipt(ctx, tx.Hash())
	if err == nil {
		return checkReceipt(op, tx, receipt)
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", err
	}
	// Same bytes, same nonce: the node either already has it or takes it now.
	if err := g.RPC.SendTransaction(ctx, tx); err != nil {
		logger.Debug("re-send of signed tx rejected", zap.Error(err))
	}
	if receipt, err := g.RPC.TransactionReceipt(ctx, tx.Hash()); err == nil {
		return checkReceipt(op, tx, receipt)
	}
	logger.Warn("settlement tx outcome unknown")
	return "", Permanent(fmt.Errorf("%w: %s", ErrUnconfirmed, tx.Hash().Hex()))
}

func checkReceipt(op string, tx *types.Transaction, receipt *types.Receipt) (string, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", Permanent(fmt.Errorf("%w: %s in %s", ErrReverted, op, tx.Hash().Hex()))
	}
	return tx.Hash().Hex(), nil
}

// signAndSend holds the nonce lock across signing and broadcast. onSigned runs
// before the broadcast so callers never lose track of a signed transaction.
func (g *EVMGateway) signAndSend(ctx context.Context, data []byte, onSigned func(*types.Transaction)) (*types.Transaction, error) {
	g.nonce.Lock()
	defer g.nonce.Unlock()

	nonce, err := g.RPC.PendingNonceAt(ctx, g.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := g.RPC.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas, err := g.RPC.EstimateGas(ctx, ethereum.CallMsg{From: g.from, To: &g.Contract, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas/5,
		To:       &g.Contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.ChainID), g.key)
	if err != nil {
		return nil, err
	}
	onSigned(signed)
	if err := g.RPC.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", signed.Hash().Hex(), err)
	}
	return signed, nil
}

func (g *EVMGateway) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := g.RPC.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			g.Logger.Debug("receipt lookup failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
