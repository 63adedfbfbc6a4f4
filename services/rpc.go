package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"

	"snaprgb/models"
)

// Transport is a connected channel to the mesh gateway.
type Transport interface {
	// BridgeAddress asks the gateway attached to device for its own address.
	BridgeAddress(ctx context.Context, device string) (models.Address, error)
	// CallDmcast calls fn on every target and returns the replies that
	// arrived before the transport's deadline, keyed by replying address.
	CallDmcast(ctx context.Context, targets []models.Address, fn string, args ...int64) (map[models.Address]models.Reply, error)
	Close() error
}

// pendingCalls routes replies to the call that is waiting for them.
type pendingCalls[T any] struct {
	mu    sync.Mutex
	calls map[string]chan T
}

func newPendingCalls[T any]() *pendingCalls[T] {
	return &pendingCalls[T]{calls: make(map[string]chan T)}
}

func (p *pendingCalls[T]) add(callID string, size int) <-chan T {
	ch := make(chan T, size)
	p.mu.Lock()
	p.calls[callID] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingCalls[T]) remove(callID string) {
	p.mu.Lock()
	delete(p.calls, callID)
	p.mu.Unlock()
}

// deliver never blocks: replies for unknown calls or beyond the buffer are dropped.
func (p *pendingCalls[T]) deliver(callID string, v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.calls[callID]
	if !ok {
		return false
	}
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}

func (p *pendingCalls[T]) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func encodeRPCRequest(callID string, targets []models.Address, fn string, args []int64) ([]byte, error) {
	req := models.RPCRequest{
		CallID:  callID,
		Targets: make([]string, len(targets)),
		Func:    fn,
		Args:    args,
	}
	if req.Args == nil {
		req.Args = []int64{}
	}
	for i, addr := range targets {
		req.Targets[i] = addr.String()
	}
	return json.Marshal(req)
}

func decodeRPCResponse(data []byte) (string, models.Reply, error) {
	var resp models.RPCResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", models.Reply{}, errors.Annotate(err, "decoding rpc response")
	}
	addr, err := models.ParseAddress(resp.Addr)
	if err != nil {
		return "", models.Reply{}, errors.Annotate(err, "rpc response")
	}
	return resp.CallID, models.Reply{Addr: addr, Args: resp.Args}, nil
}

// collectReplies waits until every target has answered or timeout elapses.
// Reaching the timeout is not an error: the targets that stayed silent are
// simply absent from the result. Cancellation of ctx abandons the call.
func collectReplies(ctx context.Context, timeout time.Duration, targets []models.Address, replies <-chan models.Reply) (map[models.Address]models.Reply, error) {
	want := make(map[models.Address]bool, len(targets))
	for _, addr := range targets {
		want[addr] = true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := make(map[models.Address]models.Reply, len(want))
	for len(result) < len(want) {
		select {
		case reply := <-replies:
			if want[reply.Addr] {
				result[reply.Addr] = reply
			}
		case <-timer.C:
			return result, nil
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		}
	}
	return result, nil
}
