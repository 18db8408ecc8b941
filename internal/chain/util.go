package chain

import "strings"

// DefaultWSEndpoint maps an http(s) JSON-RPC url to its ws(s) twin.
func DefaultWSEndpoint(rpc string) string {
	if strings.HasPrefix(rpc, "ws://") || strings.HasPrefix(rpc, "wss://") {
		return rpc
	}
	if strings.HasPrefix(rpc, "https://") {
		return "wss://" + strings.TrimPrefix(rpc, "https://")
	}
	if strings.HasPrefix(rpc, "http://") {
		return "ws://" + strings.TrimPrefix(rpc, "http://")
	}
	return ""
}
