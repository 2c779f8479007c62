package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nelsonandreproton/NPBot/internal/buildinfo"
	"github.com/nelsonandreproton/NPBot/internal/config"
	"github.com/nelsonandreproton/NPBot/internal/mcp"
)

const (
	// commandLimit caps refresh commands accepted per minute.
	commandLimit = 10

	// commandTimeout bounds one refresh triggered over MQTT.
	commandTimeout = 2 * time.Minute
)

// ServerSource reports the configured tool servers. The connection
// manager satisfies it.
type ServerSource interface {
	ListServers() []mcp.ServerStatus
}

// ServerState is the retained JSON payload on a server's state topic.
type ServerState struct {
	State   string    `json:"state"`
	Tools   int       `json:"tools"`
	Error   string    `json:"error,omitempty"`
	Updated time.Time `json:"updated"`
}

// newServerState converts a status snapshot into its MQTT payload. A
// server that has never changed state reports now.
func newServerState(s mcp.ServerStatus, now time.Time) ServerState {
	updated := s.Changed
	if updated.IsZero() {
		updated = now
	}
	return ServerState{
		State:   s.State,
		Tools:   s.Tools,
		Error:   s.LastError,
		Updated: updated.UTC(),
	}
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and pushes server states whenever a
// connection changes state and on a fixed interval.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	servers    ServerSource
	calls      *DailyCalls
	refresher  Refresher
	logger     *slog.Logger

	handler MessageHandler
	limiter *messageRateLimiter
	changed chan struct{}

	mu sync.Mutex // guards cm, which Stop reads from another goroutine
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. calls may be nil.
func New(cfg config.MQTTConfig, instanceID string, servers ServerSource, calls *DailyCalls, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		servers:    servers,
		calls:      calls,
		logger:     logger,
		changed:    make(chan struct{}, 1),
	}
}

// SetRefresher enables the refresh command topic. Must be called
// before Start.
func (p *Publisher) SetRefresher(r Refresher) {
	p.refresher = r
}

// Notify schedules a state publish. It never blocks, so it can be
// registered directly as a connection state listener.
func (p *Publisher) Notify(mcp.StateEvent) {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// Start connects to the MQTT broker and begins the publish loop. It
// blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	if p.refresher != nil {
		p.handler = commandHandler(ctx, p.refresher, commandTimeout, p.logger)
		p.limiter = newMessageRateLimiter(commandLimit, time.Minute, p.logger)
		go p.limiter.start(ctx)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribe(ctx, cm)
			p.publishStates(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "npbot-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				p.onPublish,
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx, cm)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// The provided context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// --- Topic helpers ---

var objectIDRe = regexp.MustCompile(`[^a-z0-9_]+`)

// objectID turns a server name into an HA object ID fragment.
func objectID(name string) string {
	return strings.Trim(objectIDRe.ReplaceAllString(strings.ToLower(name), "_"), "_")
}

// topicSegment removes the characters MQTT reserves in topic levels.
func topicSegment(name string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(name)
}

func (p *Publisher) baseTopic() string {
	return p.cfg.BaseTopic
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) serverTopic(server string) string {
	return p.baseTopic() + "/servers/" + topicSegment(server) + "/state"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/command/refresh"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"
	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"
	calls := p.sensor("tool_calls_today", "Tool Calls Today", "mdi:counter")
	calls.StateClass = "total_increasing"
	calls.UnitOfMeasurement = "calls"
	failures := p.sensor("tool_errors_today", "Tool Errors Today", "mdi:alert-circle-outline")
	failures.StateClass = "total_increasing"
	failures.UnitOfMeasurement = "calls"

	defs := []sensorDef{
		{entitySuffix: "uptime", config: uptime},
		{entitySuffix: "version", config: version},
		{entitySuffix: "tool_calls_today", config: calls},
		{entitySuffix: "tool_errors_today", config: failures},
	}

	for _, s := range p.servers.ListServers() {
		entity := "server_" + objectID(s.Name)
		cfg := p.sensor(entity, s.Name, "mdi:connection")
		cfg.StateTopic = p.serverTopic(s.Name)
		cfg.JsonAttributesTopic = p.serverTopic(s.Name)
		cfg.ValueTemplate = "{{ value_json.state }}"
		defs = append(defs, sensorDef{entitySuffix: entity, config: cfg})
	}
	return defs
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Commands ---

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.handler == nil {
		return
	}
	topic := p.commandTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed", "topic", topic)
}

func (p *Publisher) onPublish(pr paho.PublishReceived) (bool, error) {
	if p.handler == nil || pr.Packet == nil || pr.Packet.Topic != p.commandTopic() {
		return false, nil
	}
	if !p.limiter.allow() {
		return true, nil
	}
	p.handler(pr.Packet.Topic, pr.Packet.Payload)
	return true, nil
}

// --- State publishing ---

func (p *Publisher) runLoop(ctx context.Context, cm *autopaho.ConnectionManager) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx, cm)
		case <-p.changed:
			p.publishStates(ctx, cm)
		}
	}
}

// staticStates returns the process-level sensor values.
func (p *Publisher) staticStates() map[string]string {
	states := map[string]string{
		"uptime":  buildinfo.Uptime().String(),
		"version": buildinfo.Version,
	}
	if p.calls != nil {
		calls, failures := p.calls.Snapshot()
		states["tool_calls_today"] = strconv.FormatInt(calls, 10)
		states["tool_errors_today"] = strconv.FormatInt(failures, 10)
	}
	return states
}

// serverPayloads returns the state topic and JSON payload of every
// configured server.
func (p *Publisher) serverPayloads(now time.Time) map[string][]byte {
	out := make(map[string][]byte)
	for _, s := range p.servers.ListServers() {
		payload, err := json.Marshal(newServerState(s, now))
		if err != nil {
			p.logger.Error("mqtt marshal server state", "server", s.Name, "error", err)
			continue
		}
		out[p.serverTopic(s.Name)] = payload
	}
	return out
}

func (p *Publisher) publishStates(ctx context.Context, cm *autopaho.ConnectionManager) {
	if cm == nil {
		return
	}

	payloads := p.serverPayloads(time.Now())
	for entity, value := range p.staticStates() {
		payloads[p.stateTopic(entity)] = []byte(value)
	}

	for topic, payload := range payloads {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"topic", topic, "error", err)
		}
	}

	p.logger.Debug("mqtt states published", "topics", len(payloads))
}
