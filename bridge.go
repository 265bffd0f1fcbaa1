package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"wmp2mqtt/wmp"
)

// Availability topic pieces
const (
	availabilitySuffix = "availability"
	payloadOnline      = "online"
	payloadOffline     = "offline"
)

// Command topic suffixes (matched case-insensitively)
const (
	suffixSettings = "SETTINGS"
	suffixLimits   = "LIMITS"
	suffixID       = "ID"
	suffixInfo     = "INFO"
)

// Bridge is the MQTT adapter around the WMP engine: it publishes session
// events and change notifications to state topics and converts inbound
// command topics into engine calls. Delivery guarantees (retain flags,
// QoS) live here, not in the engine.
type Bridge struct {
	cfg    *Config
	sup    *wmp.Supervisor
	client mqtt.Client
}

func newBridge(cfg *Config, sup *wmp.Supervisor) *Bridge {
	b := &Bridge{cfg: cfg, sup: sup}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "wmp2mqtt-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.URL)
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Infof("connected to MQTT broker %s", cfg.MQTT.URL)
		c.Subscribe(cfg.MQTT.CommandTopic+"/#", 0, b.handleCommand)
		if oc := cfg.MQTT.OnConnect; oc != nil {
			b.publish(oc.Topic, oc.Payload, oc.Retain)
		}
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// connect attempts the initial broker connection. Failure is not fatal;
// paho retries in the background.
func (b *Bridge) connect() {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		log.Warnf("could not connect to MQTT initially, will retry in background: %v", token.Error())
	}
}

func (b *Bridge) publish(topic, payload string, retain bool) {
	log.Infof("sending to MQTT topic %s with payload %s", topic, payload)
	b.client.Publish(topic, 0, retain, payload)
}

// run consumes supervisor events until the context ends.
func (b *Bridge) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.sup.Events():
			switch ev.Type {
			case wmp.EventConnected:
				// still offline until the device passes its readiness probe
				b.publishAvailability(ev.MAC, false)
			case wmp.EventReady:
				b.publishAvailability(ev.MAC, true)
			case wmp.EventClosed:
				log.Warnf("device %s WMP connection closed", ev.MAC)
				b.publishAvailability(ev.MAC, false)
			case wmp.EventUpdate:
				b.publishUpdate(ev)
			}
		}
	}
}

func (b *Bridge) publishAvailability(mac string, online bool) {
	payload := payloadOffline
	if online {
		payload = payloadOnline
	}
	topic := b.cfg.MQTT.StateTopic + "/" + mac + "/" + availabilitySuffix
	b.publish(topic, payload, b.cfg.MQTT.Retain)
}

// publishUpdate maps one feature change to
// <stateTopic>/<mac>[/<unit>]/settings/<feature>. Gateways carrying more
// than one indoor unit include the unit segment; single-unit boxes keep
// the short topic. The standby shadow value, when present, goes to the
// stbymode topic alongside.
func (b *Bridge) publishUpdate(ev wmp.Event) {
	topic := b.cfg.MQTT.StateTopic + "/" + ev.MAC
	if ev.Device.Type == wmp.DeviceTypeGateway {
		topic += "/" + strconv.Itoa(ev.Update.Unit)
	}
	topic += "/settings/"

	b.publish(topic+strings.ToLower(ev.Update.Feature), strings.ToLower(ev.Update.Value), b.cfg.MQTT.Retain)
	if ev.Update.StandbyMode != "" {
		b.publish(topic+strings.ToLower(wmp.FeatStandbyMode), strings.ToLower(ev.Update.StandbyMode), b.cfg.MQTT.Retain)
	}
}

// busCommand is one decoded inbound command topic.
type busCommand struct {
	MAC     string
	Command string
	Feature string
	Unit    int
	Value   string
	Values  []string
}

// parseCommand decodes <prefix>/<mac>[/<unit>]/<suffix>[/<feature>] with
// the payload as SET value or LIMITS list. An empty payload turns a
// settings command into a GET and a limits command into a query.
func parseCommand(prefix, topic string, payload []byte) (busCommand, error) {
	rest := strings.TrimLeft(strings.TrimPrefix(topic, prefix), "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || len(parts) > 4 {
		return busCommand{}, fmt.Errorf("incorrect command topic %q", topic)
	}

	cmd := busCommand{MAC: parts[0], Unit: 1}
	suffix := parts[1]
	feature := ""
	if len(parts) >= 3 {
		feature = parts[2]
	}
	if len(parts) == 4 {
		unit, err := strconv.Atoi(parts[1])
		if err != nil {
			return busCommand{}, fmt.Errorf("bad unit number in command topic %q", topic)
		}
		cmd.Unit = unit
		suffix = parts[2]
		feature = parts[3]
	}

	switch strings.ToUpper(suffix) {
	case suffixSettings:
		if feature == "" {
			return busCommand{}, fmt.Errorf("settings command without feature in %q", topic)
		}
		cmd.Feature = feature
		if len(payload) > 0 {
			cmd.Command = wmp.MsgSet
			cmd.Value = string(payload)
		} else {
			cmd.Command = wmp.MsgGet
		}
	case suffixLimits:
		if feature == "" {
			return busCommand{}, fmt.Errorf("limits command without feature in %q", topic)
		}
		cmd.Feature = feature
		cmd.Command = wmp.MsgLimits
		if len(payload) > 0 {
			cmd.Values = strings.Split(string(payload), ",")
		}
	case suffixID:
		cmd.Command = wmp.MsgID
	case suffixInfo:
		cmd.Command = wmp.MsgInfo
	default:
		return busCommand{}, fmt.Errorf("unknown command suffix %q", suffix)
	}
	return cmd, nil
}

func (b *Bridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := parseCommand(b.cfg.MQTT.CommandTopic, msg.Topic(), msg.Payload())
	if err != nil {
		log.Warnf("got incorrect MQTT command: %v", err)
		return
	}
	client := b.sup.Lookup(cmd.MAC)
	if client == nil {
		log.Warnf("cannot find WMP device with MAC %s, ignoring", cmd.MAC)
		return
	}
	// engine calls block on the device; never stall the paho router
	go b.dispatch(client, cmd)
}

func (b *Bridge) dispatch(client *wmp.Client, cmd busCommand) {
	switch cmd.Command {
	case wmp.MsgID:
		resp, err := client.Identify()
		if err != nil {
			log.Errorf("device %s identify failed: %v", cmd.MAC, err)
			return
		}
		b.publishJSON(b.cfg.MQTT.StateTopic+"/"+cmd.MAC, resp)
	case wmp.MsgInfo:
		lines, err := client.Info()
		if err != nil {
			log.Errorf("device %s info failed: %v", cmd.MAC, err)
			return
		}
		b.publishJSON(b.cfg.MQTT.StateTopic+"/"+cmd.MAC, lines)
	case wmp.MsgGet:
		// reply arrives as a change notification and is published there
		_ = client.Get(cmd.Feature, cmd.Unit)
	case wmp.MsgSet:
		_ = client.Set(cmd.Feature, cmd.Unit, cmd.Value)
	case wmp.MsgLimits:
		if len(cmd.Values) > 0 {
			_ = client.SetLimits(cmd.Feature, cmd.Values)
			return
		}
		resp, err := client.Limits(cmd.Feature)
		if err != nil {
			log.Errorf("device %s limits query failed: %v", cmd.MAC, err)
			return
		}
		topic := b.cfg.MQTT.StateTopic + "/" + cmd.MAC + "/limits/" + strings.ToLower(cmd.Feature)
		b.publishJSON(topic, resp)
	}
}

func (b *Bridge) publishJSON(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("failed to marshal payload for %s: %v", topic, err)
		return
	}
	b.publish(topic, string(data), b.cfg.MQTT.Retain)
}
