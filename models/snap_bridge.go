package models

// Messages exchanged with the mesh gateway daemon. Addresses travel as 12 hex digits.

type BridgeAddressRequest struct {
	CallID string `json:"call_id"`
	Device string `json:"device"`
}

type BridgeAddressResponse struct {
	CallID string `json:"call_id"`
	Addr   string `json:"addr"`
}

// RPCRequest asks the gateway for a directed multicast call of Func on every target.
type RPCRequest struct {
	CallID  string   `json:"call_id"`
	Targets []string `json:"targets"`
	Func    string   `json:"func"`
	Args    []int64  `json:"args"`
}

// RPCResponse is the reply of one target node.
type RPCResponse struct {
	CallID string  `json:"call_id"`
	Addr   string  `json:"addr"`
	Args   []int64 `json:"args"`
}

// Reply is the decoded reply of one node to a directed multicast call.
type Reply struct {
	Addr Address
	Args []int64
}
