package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/wolk/helpers"
	"github.com/temoto/wolk/log2"
	transport_config "github.com/temoto/wolk/transport/config"
)

const qosAtLeastOnce = 1

type transportMqtt struct {
	alive          *alive.Alive
	log            *log2.Log
	m              mqtt.Client
	mopt           *mqtt.ClientOptions
	clientID       string
	networkTimeout time.Duration
	backoff        helpers.Backoff

	mu        sync.Mutex
	connected bool
	subs      map[string]Handler
	subOrder  []string
}

func NewMqtt() Transporter { return &transportMqtt{} }

// SetLibraryLog sends paho MQTT library messages to log.
// Paho loggers are process wide, call once from main.
func SetLibraryLog(log *log2.Log, debug bool) {
	mqtt.CRITICAL = log
	mqtt.ERROR = log
	mqtt.WARN = log
	if debug {
		mqtt.DEBUG = log
	}
}

func (self *transportMqtt) Init(ctx context.Context, log *log2.Log, config transport_config.Config) error {
	self.log = log
	if config.LogDebug {
		self.log = log.Clone(log2.LDebug)
	}
	if config.ClientID == "" {
		return errors.NotValidf("mqtt client id empty")
	}
	if _, err := url.ParseRequestURI(config.Broker); err != nil {
		return errors.Annotatef(err, "mqtt broker=%s", config.Broker)
	}
	tlsconf, err := tlsConfig(config)
	if err != nil {
		return errors.Annotate(err, "mqtt")
	}

	self.clientID = config.ClientID
	self.networkTimeout = config.NetworkTimeout()
	connectTimeout := self.networkTimeout * 3
	self.backoff = helpers.Backoff{Min: time.Second, Max: connectTimeout, K: 2}
	self.subs = make(map[string]Handler)
	credFun := func() (string, string) {
		return config.ClientID, config.Password
	}

	self.mopt = mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(config.ClientID).
		SetConnectTimeout(self.networkTimeout).
		SetConnectionLostHandler(self.onConnectionLost).
		SetCredentialsProvider(credFun).
		SetDefaultPublishHandler(self.defaultHandler).
		SetKeepAlive(config.Keepalive()).
		SetMaxReconnectInterval(connectTimeout).
		SetOnConnectHandler(self.onConnect).
		SetOrderMatters(true).
		SetPingTimeout(self.networkTimeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(self.networkTimeout)
	self.m = mqtt.NewClient(self.mopt)

	self.alive = alive.NewAlive()
	self.alive.Add(1)
	go self.online()
	go func() {
		select {
		case <-ctx.Done():
			self.alive.Stop()
		case <-self.alive.StopChan():
		}
	}()
	return nil
}

func (self *transportMqtt) ClientID() string { return self.clientID }

func (self *transportMqtt) Close() {
	if self.alive == nil {
		return
	}
	self.alive.Stop()
	self.alive.Wait()
	if self.m.IsConnected() {
		self.m.Disconnect(250)
	}
}

func (self *transportMqtt) Subscribe(topic string, handler Handler) error {
	if handler == nil {
		return errors.NotValidf("mqtt subscribe topic=%s handler nil", topic)
	}
	self.mu.Lock()
	if _, ok := self.subs[topic]; !ok {
		self.subOrder = append(self.subOrder, topic)
	}
	self.subs[topic] = handler
	connected := self.connected
	self.mu.Unlock()

	// otherwise onConnect subscribes
	if !connected {
		self.log.Debugf("mqtt subscribe topic=%s deferred until connected", topic)
		return nil
	}
	t := self.m.Subscribe(topic, qosAtLeastOnce, self.messageHandler(handler))
	return self.tokenWait(t, "subscribe "+topic)
}

func (self *transportMqtt) Publish(topic string, payload []byte) error {
	if !self.m.IsConnected() {
		return errors.Annotatef(ErrNotConnected, "publish topic=%s", topic)
	}
	self.log.Debugf("mqtt publish topic=%s len=%d", topic, len(payload))
	t := self.m.Publish(topic, qosAtLeastOnce, false, payload)
	return self.tokenWait(t, "publish "+topic)
}

// First connect is retried here, paho reconnects after connection was established once.
func (self *transportMqtt) online() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for self.alive.IsRunning() {
		t := self.m.Connect()
		t.Wait() // bounded by ConnectTimeout
		err := t.Error()
		if err == nil {
			return // success path
		}
		delay := self.backoff.DelayAfter(false)
		self.log.Errorf("mqtt connect broker=%v err=%v retry after=%v", self.mopt.Servers, err, delay)
		select {
		case <-time.After(delay):
		case <-stopch:
			return
		}
	}
}

func (self *transportMqtt) onConnect(c mqtt.Client) {
	self.log.Infof("mqtt connected")
	self.backoff.Reset()

	self.mu.Lock()
	self.connected = true
	topics := append([]string(nil), self.subOrder...)
	handlers := make([]Handler, len(topics))
	for i, topic := range topics {
		handlers[i] = self.subs[topic]
	}
	self.mu.Unlock()

	for i, topic := range topics {
		t := c.Subscribe(topic, qosAtLeastOnce, self.messageHandler(handlers[i]))
		if err := self.tokenWait(t, "subscribe "+topic); err != nil {
			self.log.Error(err)
		}
	}
}

func (self *transportMqtt) onConnectionLost(_ mqtt.Client, err error) {
	self.mu.Lock()
	self.connected = false
	self.mu.Unlock()
	self.log.Errorf("mqtt connection lost err=%v", err)
}

func (self *transportMqtt) messageHandler(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		self.log.Debugf("mqtt received topic=%s len=%d", msg.Topic(), len(msg.Payload()))
		h(msg.Topic(), msg.Payload())
	}
}

func (self *transportMqtt) defaultHandler(_ mqtt.Client, msg mqtt.Message) {
	self.log.Errorf("mqtt unexpected message topic=%s payload=%x", msg.Topic(), msg.Payload())
}

func (self *transportMqtt) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.networkTimeout) {
		err := errors.Timeoutf("mqtt %s", tag)
		self.log.Error(err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotatef(err, "mqtt %s", tag)
		self.log.Error(err)
		return err
	}
	return nil
}

func tlsConfig(config transport_config.Config) (*tls.Config, error) {
	tlsconf := new(tls.Config)
	if config.TlsCaFile != "" {
		cabytes, err := ioutil.ReadFile(config.TlsCaFile)
		if err != nil {
			return nil, errors.Annotate(err, "TLS")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("TLS CA file=%s", config.TlsCaFile)
		}
	}
	if config.TlsPsk != "" {
		copy(tlsconf.SessionTicketKey[:], helpers.MustHex(config.TlsPsk))
	}
	return tlsconf, nil
}
