// Package hass publishes the sensors to Home Assistant through MQTT discovery
// and accepts manual readings on the sensors' set topics.
package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-playground/validator/v10"
	"github.com/levenlabs/go-lflag"
	"github.com/pescbridge/pescbridge/pkg/coordinator"
	"github.com/pescbridge/pescbridge/pkg/events"
	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/sensor"
	"tailscale.com/util/eventbus"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Updater submits manual readings.
type Updater interface {
	UpdateValue(ctx context.Context, readingID string, value int) (sensor.Result, error)
}

// Config of the MQTT connection.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	DiscoveryPrefix string
	TopicPrefix     string
	// Timeout bounds every publish
	Timeout time.Duration
	// EmbeddedBroker is the listen address of a broker started by Run, it
	// replaces Broker when set
	EmbeddedBroker string
}

// Publisher mirrors the coordinator's sensors to MQTT.
type Publisher struct {
	cfg      Config
	updater  Updater
	validate *validator.Validate

	refreshSub    *eventbus.Subscriber[events.RefreshEvent]
	submissionPub *eventbus.Publisher[events.SubmissionEvent]
	statusPub     *eventbus.Publisher[events.ConnectionStatusEvent]

	client paho.Client

	mu        sync.Mutex
	ctx       context.Context
	available bool
	// configs holds the discovery payload last published per unique id
	configs map[string][]byte
	sensors map[string]sensor.Sensor
}

// Configured registers the MQTT flags.
func Configured(updater Updater, bus *eventbus.Bus) *Publisher {
	broker := lflag.String("mqtt-broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
	clientID := lflag.String("mqtt-client-id", "pescbridge", "MQTT client id")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	discoveryPrefix := lflag.String("mqtt-discovery-prefix", "homeassistant", "Home Assistant discovery prefix")
	topicPrefix := lflag.String("mqtt-topic-prefix", "pesc", "Prefix of the state, attributes and command topics")
	timeout := lflag.Duration("mqtt-timeout", 10*time.Second, "Timeout of MQTT operations")
	embedded := lflag.String("mqtt-embedded-broker", "", "Listen address of an embedded MQTT broker, empty to use mqtt-broker")

	p := New(Config{}, updater, bus)
	lflag.Do(func() {
		p.cfg = Config{
			Broker:          *broker,
			ClientID:        *clientID,
			Username:        *username,
			Password:        *password,
			DiscoveryPrefix: *discoveryPrefix,
			TopicPrefix:     *topicPrefix,
			Timeout:         *timeout,
			EmbeddedBroker:  *embedded,
		}.withDefaults()
	})
	return p
}

// New returns a publisher consuming refresh events from bus.
func New(cfg Config, updater Updater, bus *eventbus.Bus) *Publisher {
	client := bus.Client(events.ClientMQTT)
	return &Publisher{
		cfg:           cfg.withDefaults(),
		updater:       updater,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		refreshSub:    eventbus.Subscribe[events.RefreshEvent](client),
		submissionPub: eventbus.Publish[events.SubmissionEvent](client),
		statusPub:     eventbus.Publish[events.ConnectionStatusEvent](client),
		ctx:           context.Background(),
		available:     true,
		configs:       map[string][]byte{},
		sensors:       map[string]sensor.Sensor{},
	}
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "pescbridge"
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = "homeassistant"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "pesc"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) configTopic(uniqueID string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + uniqueID + "/config"
}

func (p *Publisher) topic(uniqueID, suffix string) string {
	return p.cfg.TopicPrefix + "/" + uniqueID + "/" + suffix
}

func (p *Publisher) options() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetWill(p.availabilityTopic(), payloadOffline, 1, true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(p.cfg.Timeout)
	// submissions call the provider and must not block other messages
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		ctx := p.context()
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
		p.publishStatus(events.ConnectionStatusDisconnected, err)
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		p.publishStatus(events.ConnectionStatusConnecting, nil)
	})
	return opts
}

func (p *Publisher) context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

func (p *Publisher) publishStatus(status events.ConnectionStatus, err error) {
	evt := events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: events.ClientMQTT,
		Status:    status,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	p.statusPub.Publish(evt)
}

func (p *Publisher) onConnect(c paho.Client) {
	ctx := p.context()
	log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", p.cfg.Broker))

	p.mu.Lock()
	available := p.available
	p.mu.Unlock()
	if err := p.setAvailable(available); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish availability", slog.Any("error", err))
	}

	filter := p.cfg.TopicPrefix + "/+/set"
	token := c.Subscribe(filter, 1, p.handleSet)
	if !token.WaitTimeout(p.cfg.Timeout) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = errors.New("timed out")
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe", slog.String("topic", filter), slog.Any("error", err))
		p.publishStatus(events.ConnectionStatusFailed, err)
		return
	}
	p.publishStatus(events.ConnectionStatusConnected, nil)
}

// Run connects to the broker and publishes every refresh until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("component", "mqtt")))
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	if p.cfg.EmbeddedBroker != "" {
		broker, err := NewBroker(ctx, p.cfg.EmbeddedBroker)
		if err != nil {
			p.publishStatus(events.ConnectionStatusFailed, err)
			return err
		}
		defer func() {
			if err := broker.Close(); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to close mqtt broker", slog.Any("error", err))
			}
		}()
		p.cfg.Broker = broker.URL()
	}

	p.publishStatus(events.ConnectionStatusConnecting, nil)
	p.client = paho.NewClient(p.options())
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.Timeout) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = errors.New("timed out")
		}
		p.publishStatus(events.ConnectionStatusFailed, err)
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", p.cfg.Broker, err)
	}

	defer func() {
		if err := p.publish(p.availabilityTopic(), true, []byte(payloadOffline)); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish offline status", slog.Any("error", err))
		}
		p.client.Disconnect(250)
		p.refreshSub.Close()
		p.publishStatus(events.ConnectionStatusDisconnected, nil)
	}()

	for {
		select {
		case evt := <-p.refreshSub.Events():
			p.handleRefresh(ctx, evt)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) setAvailable(available bool) error {
	p.mu.Lock()
	p.available = available
	p.mu.Unlock()
	payload := payloadOffline
	if available {
		payload = payloadOnline
	}
	return p.publish(p.availabilityTopic(), true, []byte(payload))
}

func (p *Publisher) handleRefresh(ctx context.Context, evt events.RefreshEvent) {
	switch coordinator.State(evt.State) {
	case coordinator.StateReauthRequired, coordinator.StateNotLoggedIn:
		// entities become unavailable until the login is redone
		if err := p.setAvailable(false); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to publish availability", slog.Any("error", err))
		}
		return
	case coordinator.StatePaused:
		return
	}
	complete := coordinator.State(evt.State) == coordinator.StateOK
	if len(evt.Sensors) == 0 && !complete {
		return
	}

	if err := p.setAvailable(true); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish availability", slog.Any("error", err))
	}

	seen := make(map[string]bool, len(evt.Sensors))
	var failed int
	for _, s := range evt.Sensors {
		seen[s.UniqueID] = true
		if err := p.publishSensor(s); err != nil {
			failed++
			log.Ctx(ctx).ErrorContext(ctx, "failed to publish sensor", slog.String("uniqueID", s.UniqueID), slog.Any("error", err))
		}
	}

	// only a complete refresh can tell that a sensor is gone
	if complete {
		for _, uid := range p.stale(seen) {
			if err := p.removeSensor(uid); err != nil {
				failed++
				log.Ctx(ctx).ErrorContext(ctx, "failed to remove sensor", slog.String("uniqueID", uid), slog.Any("error", err))
			}
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "published sensors", slog.Int("count", len(evt.Sensors)), slog.Int("failed", failed))
}

func (p *Publisher) stale(seen map[string]bool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res []string
	for uid := range p.configs {
		if !seen[uid] {
			res = append(res, uid)
		}
	}
	return res
}

func (p *Publisher) publishSensor(s sensor.Sensor) error {
	config, err := json.Marshal(p.discoveryConfig(s))
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}
	attributes, err := json.Marshal(attributesOf(s))
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	p.mu.Lock()
	changed := !bytes.Equal(p.configs[s.UniqueID], config)
	p.mu.Unlock()
	if changed {
		if err := p.publish(p.configTopic(s.UniqueID), true, config); err != nil {
			return err
		}
	}
	if err := p.publish(p.topic(s.UniqueID, "attributes"), true, attributes); err != nil {
		return err
	}
	if err := p.publish(p.topic(s.UniqueID, "state"), true, []byte(s.StateString())); err != nil {
		return err
	}

	p.mu.Lock()
	p.configs[s.UniqueID] = config
	p.sensors[s.UniqueID] = s
	p.mu.Unlock()
	return nil
}

func (p *Publisher) removeSensor(uniqueID string) error {
	if err := p.publish(p.configTopic(uniqueID), true, nil); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.configs, uniqueID)
	delete(p.sensors, uniqueID)
	p.mu.Unlock()
	return nil
}

type discoveryConfig struct {
	Name                string        `json:"name"`
	UniqueID            string        `json:"unique_id"`
	ObjectID            string        `json:"object_id"`
	StateTopic          string        `json:"state_topic"`
	JSONAttributesTopic string        `json:"json_attributes_topic"`
	AvailabilityTopic   string        `json:"availability_topic"`
	CommandTopic        string        `json:"command_topic,omitempty"`
	UnitOfMeasurement   string        `json:"unit_of_measurement,omitempty"`
	DeviceClass         string        `json:"device_class,omitempty"`
	StateClass          string        `json:"state_class,omitempty"`
	EntityCategory      string        `json:"entity_category,omitempty"`
	Icon                string        `json:"icon,omitempty"`
	Device              sensor.Device `json:"device"`
}

func (p *Publisher) discoveryConfig(s sensor.Sensor) discoveryConfig {
	c := discoveryConfig{
		Name:                s.Name,
		UniqueID:            s.UniqueID,
		ObjectID:            s.UniqueID,
		StateTopic:          p.topic(s.UniqueID, "state"),
		JSONAttributesTopic: p.topic(s.UniqueID, "attributes"),
		AvailabilityTopic:   p.availabilityTopic(),
		UnitOfMeasurement:   s.Unit,
		DeviceClass:         s.DeviceClass,
		StateClass:          s.StateClass,
		EntityCategory:      s.EntityCategory,
		Icon:                s.Icon,
		Device:              s.Device,
	}
	if s.Manual() {
		// sensors have no commands in Home Assistant, the topic documents
		// where readings are accepted
		c.CommandTopic = p.topic(s.UniqueID, "set")
	}
	return c
}

func attributesOf(s sensor.Sensor) map[string]any {
	attrs := make(map[string]any, len(s.Attributes)+3)
	for k, v := range s.Attributes {
		attrs[k] = v
	}
	attrs["reading_id"] = s.ReadingID
	attrs["assumed_state"] = s.AssumedState
	attrs["supported_features"] = s.SupportedFeatures
	return attrs
}

type setRequest struct {
	Value  int  `json:"value" validate:"required,min=1"`
	Throws bool `json:"throws"`
}

// parseSetRequest accepts a bare integer or a JSON object.
func (p *Publisher) parseSetRequest(payload []byte) (setRequest, error) {
	var req setRequest
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '{' {
		if err := json.Unmarshal(payload, &req); err != nil {
			return req, fmt.Errorf("invalid request: %w", err)
		}
	} else if err := json.Unmarshal(payload, &req.Value); err != nil {
		return req, fmt.Errorf("invalid value %q: expected an integer", payload)
	}
	if err := p.validate.Struct(req); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

type setResponse struct {
	sensor.Result
	Error string `json:"error,omitempty"`
}

func (p *Publisher) handleSet(_ paho.Client, msg paho.Message) {
	ctx := p.context()
	uid := strings.TrimSuffix(strings.TrimPrefix(msg.Topic(), p.cfg.TopicPrefix+"/"), "/set")
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("uniqueID", uid)))

	res, err := p.submit(ctx, uid, msg.Payload())
	resp := setResponse{Result: res}
	if err != nil {
		resp.Error = err.Error()
		log.Ctx(ctx).WarnContext(ctx, "manual reading failed", slog.Any("error", err))
	}

	payload, merr := json.Marshal(resp)
	if merr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal result", slog.Any("error", merr))
		return
	}
	if perr := p.publish(p.topic(uid, "result"), false, payload); perr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish result", slog.Any("error", perr))
	}
}

func (p *Publisher) submit(ctx context.Context, uid string, payload []byte) (sensor.Result, error) {
	p.mu.Lock()
	s, ok := p.sensors[uid]
	p.mu.Unlock()
	if !ok || s.Kind != sensor.KindMeter {
		return sensor.Result{}, fmt.Errorf("%w: %s", sensor.ErrUnknownReading, uid)
	}

	evt := events.SubmissionEvent{
		Timestamp: time.Now(),
		Source:    events.ClientMQTT,
		ReadingID: s.ReadingID,
	}
	req, err := p.parseSetRequest(payload)
	if err != nil {
		return sensor.Result{}, err
	}

	res, err := p.updater.UpdateValue(ctx, s.ReadingID, req.Value)
	evt.Code = res.Code
	if err != nil {
		evt.Error = err.Error()
	}
	p.submissionPub.Publish(evt)
	if err != nil {
		return res, err
	}
	if req.Throws {
		return res, res.Err()
	}
	return res, nil
}
