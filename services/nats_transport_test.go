package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	gc "gopkg.in/check.v1"

	"snaprgb/models"
)

// natsTransportSuite runs the transport against an in-process NATS server.
// The gateway side is a second connection that answers requests.
type natsTransportSuite struct {
	server    *server.Server
	nc        *nats.Conn
	gateway   *nats.Conn
	transport *NatsTransport
}

var _ = gc.Suite(&natsTransportSuite{})

func (s *natsTransportSuite) SetUpSuite(c *gc.C) {
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	c.Assert(err, gc.IsNil)
	go ns.Start()
	c.Assert(ns.ReadyForConnections(5*time.Second), gc.Equals, true)
	s.server = ns
}

func (s *natsTransportSuite) TearDownSuite(c *gc.C) {
	if s.server != nil {
		s.server.Shutdown()
	}
}

func (s *natsTransportSuite) SetUpTest(c *gc.C) {
	var err error
	s.nc, err = ConnectNats(s.server.ClientURL())
	c.Assert(err, gc.IsNil)
	s.gateway, err = nats.Connect(s.server.ClientURL())
	c.Assert(err, gc.IsNil)
	s.transport = NewNatsTransport(s.nc, "snap", 300*time.Millisecond)
}

func (s *natsTransportSuite) TearDownTest(c *gc.C) {
	c.Check(s.transport.Close(), gc.IsNil)
	s.gateway.Close()
	s.nc.Close()
}

// answerRPC makes the gateway reply for every target in nodes, passing each
// reply through tamper first when it is set.
func (s *natsTransportSuite) answerRPC(c *gc.C, nodes map[string]int64, tamper func(*models.RPCResponse)) {
	_, err := s.gateway.Subscribe("snap.rpc.request", func(msg *nats.Msg) {
		var req models.RPCRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		for _, target := range req.Targets {
			value, ok := nodes[target]
			if !ok {
				continue
			}
			resp := models.RPCResponse{CallID: req.CallID, Addr: target, Args: []int64{value}}
			if tamper != nil {
				tamper(&resp)
			}
			body, _ := json.Marshal(resp)
			_ = s.gateway.Publish(msg.Reply, body)
		}
	})
	c.Assert(err, gc.IsNil)
	c.Assert(s.gateway.Flush(), gc.IsNil)
}

func (s *natsTransportSuite) TestBridgeAddress(c *gc.C) {
	_, err := s.gateway.Subscribe("snap.bridge.address", func(msg *nats.Msg) {
		var req models.BridgeAddressRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Device != "/dev/snap1" {
			return
		}
		body, _ := json.Marshal(models.BridgeAddressResponse{CallID: req.CallID, Addr: "00000a0b0c0d"})
		_ = msg.Respond(body)
	})
	c.Assert(err, gc.IsNil)
	c.Assert(s.gateway.Flush(), gc.IsNil)

	addr, err := s.transport.BridgeAddress(context.Background(), "/dev/snap1")
	c.Assert(err, gc.IsNil)
	c.Check(addr, gc.Equals, models.Address{0, 0, 0x0a, 0x0b, 0x0c, 0x0d})
}

func (s *natsTransportSuite) TestBridgeAddressBadReply(c *gc.C) {
	_, err := s.gateway.Subscribe("snap.bridge.address", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"call_id":"x","addr":"zz"}`))
	})
	c.Assert(err, gc.IsNil)
	c.Assert(s.gateway.Flush(), gc.IsNil)

	_, err = s.transport.BridgeAddress(context.Background(), "/dev/snap1")
	c.Check(errors.Is(err, models.ErrInvalidAddress), gc.Equals, true)
}

func (s *natsTransportSuite) TestBridgeAddressNoGateway(c *gc.C) {
	_, err := s.transport.BridgeAddress(context.Background(), "/dev/snap1")
	c.Assert(err, gc.ErrorMatches, `bridge address for /dev/snap1: .*`)
}

func (s *natsTransportSuite) TestCallDmcastPartialReplies(c *gc.C) {
	s.answerRPC(c, map[string]int64{"000000000001": 7, "000000000002": 0}, nil)

	a1 := models.Address{0, 0, 0, 0, 0, 1}
	a2 := models.Address{0, 0, 0, 0, 0, 2}
	silent := models.Address{0, 0, 0, 0, 0, 3}
	replies, err := s.transport.CallDmcast(context.Background(), []models.Address{a1, a2, silent}, "set_rgb", 7)
	c.Assert(err, gc.IsNil)
	c.Assert(replies, gc.HasLen, 2)
	c.Check(replies[a1].Args, gc.DeepEquals, []int64{7})
	c.Check(replies[a2].Args, gc.DeepEquals, []int64{0})
}

func (s *natsTransportSuite) TestCallDmcastDropsForeignCallID(c *gc.C) {
	s.answerRPC(c, map[string]int64{"000000000001": 3}, func(resp *models.RPCResponse) {
		resp.CallID = "some-other-call"
	})

	a1 := models.Address{0, 0, 0, 0, 0, 1}
	replies, err := s.transport.CallDmcast(context.Background(), []models.Address{a1}, "get_rgb")
	c.Assert(err, gc.IsNil)
	c.Check(replies, gc.HasLen, 0)
}

func (s *natsTransportSuite) TestCallDmcastDropsMalformedReply(c *gc.C) {
	_, err := s.gateway.Subscribe("snap.rpc.request", func(msg *nats.Msg) {
		_ = s.gateway.Publish(msg.Reply, []byte(`not json`))
	})
	c.Assert(err, gc.IsNil)
	c.Assert(s.gateway.Flush(), gc.IsNil)

	replies, err := s.transport.CallDmcast(context.Background(), []models.Address{{0, 0, 0, 0, 0, 1}}, "get_rgb")
	c.Assert(err, gc.IsNil)
	c.Check(replies, gc.HasLen, 0)
}

func (s *natsTransportSuite) TestCallDmcastCancelled(c *gc.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.transport.CallDmcast(ctx, []models.Address{{0, 0, 0, 0, 0, 1}}, "get_rgb")
	c.Check(err, gc.NotNil)
}
