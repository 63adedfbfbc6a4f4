package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	gc "gopkg.in/check.v1"

	"snaprgb/models"
)

// brokerSuite runs the MQTT service against an in-process broker with a
// gateway client answering on the other side.
type brokerSuite struct {
	broker  *mochi.Server
	url     string
	gateway mqtt.Client
	// nodes maps a hex address to the value the gateway answers with.
	nodes map[string]int64
}

var _ = gc.Suite(&brokerSuite{})

func freeTCPAddr(c *gc.C) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, gc.IsNil)
	addr := l.Addr().String()
	c.Assert(l.Close(), gc.IsNil)
	return addr
}

func (s *brokerSuite) SetUpSuite(c *gc.C) {
	addr := freeTCPAddr(c)
	s.broker = mochi.New(&mochi.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	c.Assert(s.broker.AddHook(new(auth.AllowHook), nil), gc.IsNil)
	c.Assert(s.broker.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})), gc.IsNil)
	go func() {
		if err := s.broker.Serve(); err != nil {
			c.Logf("broker: %v", err)
		}
	}()
	s.url = "tcp://" + addr

	s.nodes = map[string]int64{"000000000001": 5, "000000000002": 2}
	opts := mqtt.NewClientOptions().AddBroker(s.url).SetClientID("gateway").SetOrderMatters(false)
	s.gateway = mqtt.NewClient(opts)
	token := s.gateway.Connect()
	c.Assert(token.WaitTimeout(5*time.Second), gc.Equals, true)
	c.Assert(token.Error(), gc.IsNil)

	token = s.gateway.Subscribe("snap/bridge/request/address", 1, s.answerBridgeAddress)
	token.Wait()
	c.Assert(token.Error(), gc.IsNil)
	token = s.gateway.Subscribe("snap/rpc/request", 1, s.answerRPC)
	token.Wait()
	c.Assert(token.Error(), gc.IsNil)
}

func (s *brokerSuite) TearDownSuite(c *gc.C) {
	if s.gateway != nil {
		s.gateway.Disconnect(100)
	}
	if s.broker != nil {
		_ = s.broker.Close()
	}
}

func (s *brokerSuite) answerBridgeAddress(client mqtt.Client, msg mqtt.Message) {
	var req models.BridgeAddressRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		return
	}
	body, _ := json.Marshal(models.BridgeAddressResponse{CallID: req.CallID, Addr: "000000112233"})
	client.Publish("snap/bridge/response/address", 1, false, body)
}

func (s *brokerSuite) answerRPC(client mqtt.Client, msg mqtt.Message) {
	var req models.RPCRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		return
	}
	for _, target := range req.Targets {
		value, ok := s.nodes[target]
		if !ok {
			continue
		}
		body, _ := json.Marshal(models.RPCResponse{CallID: req.CallID, Addr: target, Args: []int64{value}})
		client.Publish(fmt.Sprintf("snap/rpc/response/%s", req.CallID), 1, false, body)
	}
}

func (s *brokerSuite) TestDiscoveryRightAfterStartup(c *gc.C) {
	want := models.Address{0, 0, 0, 0x11, 0x22, 0x33}
	for i := 0; i < 20; i++ {
		svc := NewMqttService(fmt.Sprintf("snaprgb-%d", i), s.url, "", "")
		transport, err := StartMqttTransport(svc, "snap", 2*time.Second)
		c.Assert(err, gc.IsNil)

		addr, err := transport.BridgeAddress(context.Background(), "/dev/snap1")
		c.Check(err, gc.IsNil, gc.Commentf("startup %d", i))
		c.Check(addr, gc.Equals, want)

		c.Check(transport.Close(), gc.IsNil)
		svc.Stop()
	}
}

func (s *brokerSuite) TestTopicsRegisteredBeforeStart(c *gc.C) {
	for i := 0; i < 10; i++ {
		svc := NewMqttService(fmt.Sprintf("snaprgb-early-%d", i), s.url, "", "")
		transport := NewMqttTransport(svc, "snap", 2*time.Second)
		transport.Start()
		c.Assert(svc.Start(), gc.IsNil)

		_, err := transport.BridgeAddress(context.Background(), "/dev/snap1")
		c.Check(err, gc.IsNil, gc.Commentf("startup %d", i))

		c.Check(transport.Close(), gc.IsNil)
		svc.Stop()
	}
}

func (s *brokerSuite) TestStartTwice(c *gc.C) {
	svc := NewMqttService("snaprgb-twice", s.url, "", "")
	c.Assert(svc.Start(), gc.IsNil)
	defer svc.Stop()
	c.Check(svc.Start(), gc.ErrorMatches, `MQTT client "snaprgb-twice" already exists`)
}

func (s *brokerSuite) TestUnsubscribeUnknownTopic(c *gc.C) {
	svc := NewMqttService("snaprgb-unsub", s.url, "", "")
	c.Check(svc.Unsubscribe("snap/nothing"), gc.ErrorMatches, `subscription "snap/nothing" not found`)
}

func (s *brokerSuite) TestCallDmcastPartialReplies(c *gc.C) {
	svc := NewMqttService("snaprgb-rpc", s.url, "", "")
	transport, err := StartMqttTransport(svc, "snap", 300*time.Millisecond)
	c.Assert(err, gc.IsNil)
	defer svc.Stop()
	defer transport.Close()

	a1 := models.Address{0, 0, 0, 0, 0, 1}
	a2 := models.Address{0, 0, 0, 0, 0, 2}
	silent := models.Address{0, 0, 0, 0, 0, 9}
	replies, err := transport.CallDmcast(context.Background(), []models.Address{a1, a2, silent}, "get_rgb")
	c.Assert(err, gc.IsNil)
	c.Assert(replies, gc.HasLen, 2)
	c.Check(replies[a1].Args, gc.DeepEquals, []int64{5})
	c.Check(replies[a2].Args, gc.DeepEquals, []int64{2})
}
