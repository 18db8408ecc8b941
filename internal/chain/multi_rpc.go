package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// MultiRPCClient spreads calls across several JSON-RPC endpoints and moves to
// the next one after failThreshold consecutive failures.
type MultiRPCClient struct {
	clients       []*ethclient.Client
	urls          []string
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiRPCClient(ctx context.Context, endpoints []string, failThreshold int) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*ethclient.Client, 0, len(list))
	for _, ep := range list {
		c, err := ethclient.DialContext(ctx, ep)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return &MultiRPCClient{
		clients:       clients,
		urls:          list,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.urls[m.index]
}

func (m *MultiRPCClient) Close() {
	for _, c := range m.clients {
		c.Close()
	}
}

func (m *MultiRPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	return call(m, func(c *ethclient.Client) (uint64, error) { return c.BlockNumber(ctx) })
}

func (m *MultiRPCClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return call(m, func(c *ethclient.Client) ([]types.Log, error) { return c.FilterLogs(ctx, q) })
}

func (m *MultiRPCClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return call(m, func(c *ethclient.Client) (*types.Receipt, error) { return c.TransactionReceipt(ctx, hash) })
}

func (m *MultiRPCClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return call(m, func(c *ethclient.Client) ([]byte, error) { return c.CallContract(ctx, msg, nil) })
}

func (m *MultiRPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(m, func(c *ethclient.Client) (uint64, error) { return c.PendingNonceAt(ctx, account) })
}

func (m *MultiRPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return call(m, func(c *ethclient.Client) (*big.Int, error) { return c.SuggestGasPrice(ctx) })
}

func (m *MultiRPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return call(m, func(c *ethclient.Client) (uint64, error) { return c.EstimateGas(ctx, msg) })
}

// SendTransaction only uses the current endpoint. A failed send may still have
// reached the mempool, so it is not replayed against another node.
func (m *MultiRPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	client, idx := m.currentClient()
	if err := client.SendTransaction(ctx, tx); err != nil {
		m.noteFailure(idx)
		if m.shouldRotate() {
			m.rotate()
		}
		return err
	}
	m.resetFailures(idx)
	return nil
}

// call tries each endpoint at most once. ethereum.NotFound is an answer, not
// an endpoint failure, and is returned without rotating.
func call[T any](m *MultiRPCClient, fn func(*ethclient.Client) (T, error)) (T, error) {
	m.mu.Lock()
	start := m.index
	m.mu.Unlock()

	var zero T
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		out, err := fn(client)
		if err == nil || errors.Is(err, ethereum.NotFound) {
			m.resetFailures(idx)
			return out, err
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
		if idx == start && attempts > 0 {
			break
		}
	}
	return zero, lastErr
}

func (m *MultiRPCClient) currentClient() (*ethclient.Client, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiRPCClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPCClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiRPCClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiRPCClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
