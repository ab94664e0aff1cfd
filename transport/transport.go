package transport

import (
	"context"
	"fmt"

	"github.com/temoto/wolk/log2"
	transport_config "github.com/temoto/wolk/transport/config"
)

var ErrNotConnected = fmt.Errorf("transport not connected")

// Handler must not block, long work belongs to caller goroutines.
type Handler func(topic string, payload []byte)

// Transport contract:
// - Init fails only with invalid config, connection is made in background with retries
// - application may start without network available
// - Subscribe is remembered and applied again after every reconnect
// - Publish returns nil only after broker acknowledged the message, within network timeout
// - incoming messages are delivered one at a time in arrival order
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, config transport_config.Config) error
	ClientID() string
	Subscribe(topic string, handler Handler) error
	Publish(topic string, payload []byte) error
	Close()
}

// Topic builds device scoped topic: direction/name/d/clientID
func Topic(direction, name, clientID string) string {
	return fmt.Sprintf("%s/%s/d/%s", direction, name, clientID)
}

func TopicIn(name, clientID string) string  { return Topic("p2d", name, clientID) }
func TopicOut(name, clientID string) string { return Topic("d2p", name, clientID) }
