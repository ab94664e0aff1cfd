package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/wolk/log2"
	transport_config "github.com/temoto/wolk/transport/config"
)

type Message struct {
	Topic   string
	Payload []byte
}

// Mock is in-memory Transporter for tests.
// Published messages go to Out channel, Deliver simulates incoming message.
type Mock struct {
	t              testing.TB
	clientID       string
	networkTimeout time.Duration
	Out            chan Message

	mu         sync.Mutex
	subs       map[string]Handler
	publishErr error
	closed     bool
}

var _ Transporter = &Mock{}

func NewMock(t testing.TB, clientID string, outBuffer int) *Mock {
	return &Mock{
		t:              t,
		clientID:       clientID,
		networkTimeout: 2 * time.Second,
		Out:            make(chan Message, outBuffer),
		subs:           make(map[string]Handler),
	}
}

func (self *Mock) Init(ctx context.Context, log *log2.Log, config transport_config.Config) error {
	if config.ClientID != "" {
		self.clientID = config.ClientID
	}
	return nil
}

func (self *Mock) ClientID() string { return self.clientID }

func (self *Mock) Close() {
	self.mu.Lock()
	self.closed = true
	self.mu.Unlock()
}

func (self *Mock) Subscribe(topic string, handler Handler) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.subs[topic] = handler
	return nil
}

// SetPublishError makes following Publish calls fail with err, nil restores delivery.
func (self *Mock) SetPublishError(err error) {
	self.mu.Lock()
	self.publishErr = err
	self.mu.Unlock()
}

func (self *Mock) Publish(topic string, payload []byte) error {
	self.mu.Lock()
	err, closed := self.publishErr, self.closed
	self.mu.Unlock()
	if closed {
		return errors.Annotatef(ErrNotConnected, "mock closed")
	}
	if err != nil {
		return err
	}
	self.t.Logf("mock publish topic=%s payload=%q", topic, payload)
	select {
	case self.Out <- Message{Topic: topic, Payload: copyBytes(payload)}:
		return nil
	case <-time.After(self.networkTimeout):
		self.t.Logf("mock network timeout topic=%s", topic)
		return errors.Timeoutf("mock publish topic=%s", topic)
	}
}

// Deliver calls handler subscribed for topic. Returns false if topic has no subscription.
func (self *Mock) Deliver(topic string, payload []byte) bool {
	self.mu.Lock()
	h, ok := self.subs[topic]
	self.mu.Unlock()
	if !ok {
		return false
	}
	h(topic, copyBytes(payload))
	return true
}

func (self *Mock) Subscribed(topic string) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	_, ok := self.subs[topic]
	return ok
}

// Expect waits for next published message and checks its topic.
func (self *Mock) Expect(t testing.TB, topic string) Message {
	select {
	case m := <-self.Out:
		if m.Topic != topic {
			t.Fatalf("mock expected publish topic=%s actual=%s payload=%q", topic, m.Topic, m.Payload)
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("mock expected publish topic=%s, timeout", topic)
	}
	return Message{}
}

// ExpectNone checks nothing is published within d.
func (self *Mock) ExpectNone(t testing.TB, d time.Duration) {
	select {
	case m := <-self.Out:
		t.Errorf("mock unexpected publish topic=%s payload=%q", m.Topic, m.Payload)
	case <-time.After(d):
	}
}

// split send/receive buffer identity for safe concurrent access
func copyBytes(b []byte) []byte {
	new := make([]byte, len(b))
	copy(new, b)
	return new
}
