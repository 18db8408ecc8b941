package chain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
)

type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// SubscribeTransfers asks the node for every Transfer log emitted by token.
// Recipients are filtered by the caller since the deposit set changes.
func (c *WSClient) SubscribeTransfers(token common.Address) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params": []any{
			"logs",
			map[string]any{
				"address": token.Hex(),
				"topics":  []string{TransferTopic.Hex()},
			},
		},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

type rpcLog struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	LogIndex    hexutil.Uint   `json:"logIndex"`
	Removed     bool           `json:"removed"`
}

// ParseWSLog decodes an eth_subscription notification. The subscription ack
// and other non-log frames return ok=false.
func ParseWSLog(msg []byte) (*types.Log, bool, error) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Result json.RawMessage `json:"result"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, errors.New(env.Error.Message)
	}
	if env.Method != "eth_subscription" || len(env.Params.Result) == 0 {
		return nil, false, nil
	}

	var raw rpcLog
	if err := json.Unmarshal(env.Params.Result, &raw); err != nil {
		return nil, false, err
	}
	return &types.Log{
		Address:     raw.Address,
		Topics:      raw.Topics,
		Data:        raw.Data,
		BlockNumber: uint64(raw.BlockNumber),
		TxHash:      raw.TxHash,
		Index:       uint(raw.LogIndex),
		Removed:     raw.Removed,
	}, true, nil
}
