package hass

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/pescbridge/pescbridge/pkg/log"
)

// Broker is an embedded MQTT broker for setups without one.
type Broker struct {
	server  *mqtt.Server
	address string
}

// NewBroker starts a broker accepting any client on address.
func NewBroker(ctx context.Context, address string) (*Broker, error) {
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       log.Ctx(ctx).With(slog.String("component", "mqtt-broker")),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add mqtt auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: address,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to add mqtt listener: %w", err)
	}
	if err := server.Serve(); err != nil {
		return nil, fmt.Errorf("failed to start mqtt broker: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "mqtt broker started", slog.String("address", address))
	return &Broker{server: server, address: address}, nil
}

// URL is the broker address to hand to clients.
func (b *Broker) URL() string {
	host, port, err := net.SplitHostPort(b.address)
	if err != nil {
		return "tcp://" + b.address
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "tcp://" + net.JoinHostPort(host, port)
}

// Close stops the broker.
func (b *Broker) Close() error {
	return b.server.Close()
}
