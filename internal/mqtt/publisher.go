package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/inteno-tracker/internal/config"
	"github.com/nugget/inteno-tracker/internal/inteno"
	"github.com/nugget/inteno-tracker/internal/tracker"
)

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// DeviceSource provides the tracked devices and the clock and window
// used to evaluate presence. [*tracker.Coordinator] satisfies it.
type DeviceSource interface {
	Devices() []tracker.Device
	DetectionTime() time.Duration
	Now() time.Time
	Status() tracker.Status
}

// connection is the subset of [autopaho.ConnectionManager] the
// publisher writes through.
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and pushes device_tracker states after
// every poll cycle and on a periodic re-evaluation loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	source     DeviceSource
	interval   time.Duration
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	mu          sync.Mutex
	conn        connection
	router      DeviceInfo
	routerKnown bool
	announced   map[string]bool // mac → discovery sent on this connection
	sensorsSent bool
	available   string
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. States are re-evaluated
// every interval so devices age out to not_home between poll cycles.
func New(cfg config.MQTTConfig, instanceID string, source DeviceSource, interval time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		source:     source,
		interval:   interval,
		logger:     logger,
		router:     NewBridgeDeviceInfo(instanceID),
		announced:  make(map[string]bool),
		available:  PayloadOffline,
	}
}

// SetRouter installs the router's device block. Discovery for every
// entity is re-sent so HA attaches them to the router device.
func (p *Publisher) SetRouter(ctx context.Context, info inteno.SystemInfo) {
	p.mu.Lock()
	p.router = NewRouterDeviceInfo(info, p.instanceID)
	p.routerKnown = true
	p.resetAnnouncedLocked()
	p.mu.Unlock()

	p.logger.Info("mqtt router device registered",
		"serial", info.SerialNo,
		"model", info.Model,
		"firmware", info.Firmware,
	)
	p.publishDiscovery(ctx, p.source.Devices())
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs and the current availability.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte(PayloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.onConnect(ctx, cm)
			p.subscribeStatus(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "inteno-tracker-" + p.cfg.NodeID + "-" + shortID(p.instanceID),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
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

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and closes the
// MQTT connection. The provided context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.connectionManager()
	if cm == nil {
		return nil
	}
	p.setAvailability(ctx, PayloadOffline)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Useful for connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.connectionManager()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) connectionManager() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// DevicesUpdated marks the router available, announces devices seen
// for the first time, and publishes every device's state.
func (p *Publisher) DevicesUpdated(ctx context.Context, devices []tracker.Device) {
	p.setAvailability(ctx, PayloadOnline)
	p.publishDiscovery(ctx, devices)
	p.publishStates(ctx, devices)
}

// RefreshFailed marks the router unavailable.
func (p *Publisher) RefreshFailed(ctx context.Context, err error) {
	p.logger.Debug("mqtt marking router unavailable", "error", err)
	p.setAvailability(ctx, PayloadOffline)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "inteno-tracker/" + p.cfg.NodeID
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.NodeID + "/" + entity + "/config"
}

// statusTopic is where Home Assistant announces its own birth and
// will messages.
func (p *Publisher) statusTopic() string {
	return p.cfg.DiscoveryPrefix + "/status"
}

// --- Connection lifecycle ---

func (p *Publisher) onConnect(ctx context.Context, conn connection) {
	p.mu.Lock()
	p.conn = conn
	p.resetAnnouncedLocked()
	status := p.available
	p.mu.Unlock()

	devices := p.source.Devices()
	p.publishDiscovery(ctx, devices)
	p.publish(ctx, p.availabilityTopic(), []byte(status), 1, true)
	p.publishStates(ctx, devices)
}

func (p *Publisher) subscribeStatus(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: p.statusTopic(), QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", p.statusTopic(), "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", p.statusTopic())
}

func (p *Publisher) resetAnnouncedLocked() {
	p.announced = make(map[string]bool)
	p.sensorsSent = false
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions(device DeviceInfo) []sensorDef {
	avail := p.availabilityTopic()
	return []sensorDef{
		{
			entitySuffix: "devices_home",
			config: SensorConfig{
				Name:              "Devices Home",
				UniqueID:          p.instanceID + "_devices_home",
				StateTopic:        p.stateTopic("devices_home"),
				AvailabilityTopic: avail,
				Device:            device,
				Icon:              "mdi:lan-connect",
				StateClass:        "measurement",
				UnitOfMeasurement: "devices",
			},
		},
		{
			entitySuffix: "devices_tracked",
			config: SensorConfig{
				Name:              "Devices Tracked",
				UniqueID:          p.instanceID + "_devices_tracked",
				StateTopic:        p.stateTopic("devices_tracked"),
				AvailabilityTopic: avail,
				Device:            device,
				Icon:              "mdi:devices",
				StateClass:        "measurement",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "last_update",
			config: SensorConfig{
				Name:              "Last Update",
				UniqueID:          p.instanceID + "_last_update",
				StateTopic:        p.stateTopic("last_update"),
				AvailabilityTopic: avail,
				Device:            device,
				Icon:              "mdi:clock-check",
				DeviceClass:       "timestamp",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

// trackerConfig builds the device_tracker discovery payload for d.
func (p *Publisher) trackerConfig(d tracker.Device, router DeviceInfo, routerKnown bool) DeviceTrackerConfig {
	slug := macSlug(d.MAC())
	via := ""
	if routerKnown {
		via = router.Identifiers[0]
	}
	return DeviceTrackerConfig{
		Name:                d.Name(),
		ObjectID:            p.cfg.NodeID + "_" + slug,
		UniqueID:            p.cfg.NodeID + "_" + slug,
		StateTopic:          p.stateTopic(slug),
		JSONAttributesTopic: p.attributesTopic(slug),
		AvailabilityTopic:   p.availabilityTopic(),
		PayloadHome:         tracker.StateHome,
		PayloadNotHome:      tracker.StateNotHome,
		SourceType:          "router",
		Icon:                "mdi:lan-connect",
		Device:              clientDeviceInfo(d.MAC(), d.Name(), via),
	}
}

// publishDiscovery sends discovery configs for the router sensors and
// every device not yet announced on the current connection. A device
// counts as announced only once its config was published.
func (p *Publisher) publishDiscovery(ctx context.Context, devices []tracker.Device) {
	p.mu.Lock()
	if p.conn == nil {
		p.mu.Unlock()
		return
	}
	router, routerKnown := p.router, p.routerKnown
	sendSensors := !p.sensorsSent
	p.sensorsSent = true
	var pending []tracker.Device
	for _, d := range devices {
		if !p.announced[d.MAC()] {
			pending = append(pending, d)
		}
	}
	p.mu.Unlock()

	if sendSensors {
		sent := true
		for _, s := range p.sensorDefinitions(router) {
			if !p.publishJSON(ctx, p.discoveryTopic("sensor", s.entitySuffix), s.config, true) {
				sent = false
			}
		}
		if !sent {
			p.mu.Lock()
			p.sensorsSent = false
			p.mu.Unlock()
		}
	}
	for _, d := range pending {
		topic := p.discoveryTopic("device_tracker", macSlug(d.MAC()))
		if !p.publishJSON(ctx, topic, p.trackerConfig(d, router, routerKnown), true) {
			continue
		}
		p.mu.Lock()
		p.announced[d.MAC()] = true
		p.mu.Unlock()
		p.logger.Debug("mqtt discovery published", "mac", d.MAC(), "topic", topic)
	}
}

// --- States ---

// attributesPayload renders the JSON attributes for d.
func attributesPayload(d tracker.Device) map[string]any {
	attrs := d.Attrs()
	attrs["name"] = d.Name()
	attrs["mac"] = d.MAC()
	if ip := d.IPAddress(); ip != "" {
		attrs["ip"] = ip
	}
	if seen := d.LastSeen(); !seen.IsZero() {
		attrs["last_seen"] = seen.UTC().Format(time.RFC3339)
	}
	return attrs
}

func (p *Publisher) publishStates(ctx context.Context, devices []tracker.Device) {
	p.mu.Lock()
	connected := p.conn != nil
	p.mu.Unlock()
	if !connected {
		return
	}

	now := p.source.Now()
	detection := p.source.DetectionTime()

	home := 0
	for _, d := range devices {
		slug := macSlug(d.MAC())
		state := d.State(now, detection)
		if state == tracker.StateHome {
			home++
		}
		p.publish(ctx, p.stateTopic(slug), []byte(state), 0, true)
		p.publishJSON(ctx, p.attributesTopic(slug), attributesPayload(d), true)
	}

	p.publish(ctx, p.stateTopic("devices_home"), []byte(strconv.Itoa(home)), 0, true)
	p.publish(ctx, p.stateTopic("devices_tracked"), []byte(strconv.Itoa(len(devices))), 0, true)
	if last := p.source.Status().LastSuccess; !last.IsZero() {
		p.publish(ctx, p.stateTopic("last_update"), []byte(last.UTC().Format(time.RFC3339)), 0, true)
	}

	p.logger.Debug("mqtt device states published", "devices", len(devices), "home", home)
}

func (p *Publisher) setAvailability(ctx context.Context, status string) {
	p.mu.Lock()
	changed := p.available != status
	p.available = status
	p.mu.Unlock()

	if p.publish(ctx, p.availabilityTopic(), []byte(status), 1, true) && changed {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Inbound ---

// handleMessage replays discovery when Home Assistant comes back
// online, since it forgets non-retained state across restarts.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	p.logger.Debug("mqtt message received", "topic", topic, "payload_size", len(payload))
	if topic != p.statusTopic() || string(payload) != PayloadOnline {
		return
	}

	p.logger.Info("home assistant online, replaying discovery")
	p.mu.Lock()
	p.resetAnnouncedLocked()
	p.mu.Unlock()

	// Publishing from inside the paho receive callback would block it
	// waiting for acks.
	go func() {
		devices := p.source.Devices()
		p.publishDiscovery(ctx, devices)
		p.publishStates(ctx, devices)
	}()
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx, p.source.Devices())
		}
	}
}

// --- Publish helpers ---

func (p *Publisher) publishJSON(ctx context.Context, topic string, v any, retain bool) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return false
	}
	return p.publish(ctx, topic, payload, 1, retain)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) bool {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return false
	}

	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
