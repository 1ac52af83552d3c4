package publish

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/NodePath81/netprobe/internal/probe"
	"github.com/NodePath81/netprobe/internal/stats"
)

const (
	AppName = "netprobe"

	DefaultDiscoveryPrefix = "homeassistant"
	DefaultMinHistoryFill  = 40.0

	componentSensor       = "sensor"
	componentBinarySensor = "binary_sensor"

	StateOn          = "ON"
	StateOff         = "OFF"
	StateUnavailable = "unavailable"
)

// Sensor names, appended to "<kind> <probe name>" to form the object id.
const (
	SensorRTT           = "rtt"
	SensorAverageRTT    = "average rtt"
	SensorAverageLoss   = "average loss"
	SensorJitter        = "jitter"
	SensorJitterGrade   = "jitter grade"
	SensorConnectivity  = "connectivity"
	SensorBytesSent     = "bytes sent"
	SensorBytesReceived = "bytes received"
)

// Message is one MQTT publication.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Device is the Home Assistant device every entity belongs to.
type Device struct {
	Identifiers  string `json:"identifiers"`
	Name         string `json:"name,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	SWVersion    string `json:"sw_version,omitempty"`
}

// EntityConfig is the discovery payload of one entity.
type EntityConfig struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	ForceUpdate       bool   `json:"force_update"`
	ExpireAfter       int    `json:"expire_after,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	EntityCategory    string `json:"entity_category,omitempty"`
	Icon              string `json:"icon,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	Device            Device `json:"device"`
}

// Entity is a discoverable sensor with its topics.
type Entity struct {
	Component   string
	ConfigTopic string
	StateTopic  string
	Config      EntityConfig
}

func (e Entity) configMessage() Message {
	payload, _ := json.Marshal(e.Config)
	return Message{Topic: e.ConfigTopic, Payload: payload, QoS: 0, Retained: true}
}

func (e Entity) state(value string) Message {
	return Message{Topic: e.StateTopic, Payload: []byte(value)}
}

// Discovery builds Home Assistant MQTT discovery and state messages.
type Discovery struct {
	Prefix      string
	NodeID      string
	ServiceName string
	Version     string
	// MinHistoryFill is the history fill percent required before averages
	// are published.
	MinHistoryFill float64
}

func NewDiscovery(serviceID, serviceName, version string) *Discovery {
	return &Discovery{
		Prefix:         DefaultDiscoveryPrefix,
		NodeID:         AppName + "_" + serviceID,
		ServiceName:    serviceName,
		Version:        version,
		MinHistoryFill: DefaultMinHistoryFill,
	}
}

func (d *Discovery) entity(component, objectID string, interval time.Duration, cfg EntityConfig) Entity {
	base := strings.Join([]string{d.prefix(), component, Slugify(d.NodeID), Slugify(objectID)}, "/")
	cfg.Name = objectID
	cfg.UniqueID = Slugify(d.NodeID + "_" + objectID)
	cfg.StateTopic = base + "/state"
	cfg.ForceUpdate = true
	if cfg.Device.Identifiers == "" {
		cfg.Device = Device{Identifiers: d.NodeID}
	}
	if interval > 0 {
		cfg.ExpireAfter = int(math.Ceil(interval.Seconds() + 2))
	}
	return Entity{
		Component:   component,
		ConfigTopic: base + "/config",
		StateTopic:  cfg.StateTopic,
		Config:      cfg,
	}
}

func (d *Discovery) prefix() string {
	if d.Prefix == "" {
		return DefaultDiscoveryPrefix
	}
	return d.Prefix
}

// ServiceEntity is the binary sensor showing whether the service is online.
// Its state topic carries the MQTT last will.
func (d *Discovery) ServiceEntity() Entity {
	return d.entity(componentBinarySensor, AppName, 0, EntityConfig{
		DeviceClass:    "connectivity",
		EntityCategory: "diagnostic",
		Device: Device{
			Identifiers:  d.NodeID,
			Name:         d.ServiceName,
			Manufacturer: AppName,
			Model:        "Go",
			SWVersion:    d.Version,
		},
	})
}

// Online is the retained service state.
func (d *Discovery) Online(online bool) Message {
	msg := d.ServiceEntity().state(onOff(online))
	msg.QoS = 1
	msg.Retained = true
	return msg
}

// kindLabel keeps entity ids stable with earlier deployments that called
// ICMP probes "ping".
func kindLabel(k probe.Kind) string {
	if k == probe.KindICMP {
		return "ping"
	}
	return string(k)
}

// Entities returns every entity describing desc, keyed by sensor name.
func (d *Discovery) Entities(desc probe.Descriptor) map[string]Entity {
	if desc.Identity.Kind == probe.KindCompound {
		return map[string]Entity{
			SensorConnectivity: d.entity(componentBinarySensor, "all connected "+desc.Identity.Name, desc.Interval, EntityConfig{
				DeviceClass: "connectivity",
			}),
		}
	}
	base := kindLabel(desc.Identity.Kind) + " " + desc.Identity.Name + " "
	ms := func(icon string) EntityConfig {
		return EntityConfig{Icon: icon, UnitOfMeasurement: "ms", StateClass: "measurement"}
	}
	bytes := func(icon string) EntityConfig {
		return EntityConfig{Icon: icon, EntityCategory: "diagnostic", UnitOfMeasurement: "B", StateClass: "total_increasing"}
	}
	iv := desc.Interval
	return map[string]Entity{
		SensorRTT:           d.entity(componentSensor, base+SensorRTT, iv, ms("mdi:timer")),
		SensorAverageRTT:    d.entity(componentSensor, base+SensorAverageRTT, iv, ms("mdi:timer")),
		SensorAverageLoss:   d.entity(componentSensor, base+SensorAverageLoss, iv, EntityConfig{Icon: "mdi:close-network", UnitOfMeasurement: "%", StateClass: "measurement"}),
		SensorJitter:        d.entity(componentSensor, base+SensorJitter, iv, ms("mdi:timer")),
		SensorJitterGrade:   d.entity(componentSensor, base+SensorJitterGrade, iv, EntityConfig{UnitOfMeasurement: "%", StateClass: "measurement"}),
		SensorConnectivity:  d.entity(componentBinarySensor, base+SensorConnectivity, iv, EntityConfig{DeviceClass: "connectivity"}),
		SensorBytesSent:     d.entity(componentSensor, base+SensorBytesSent, iv, bytes("mdi:upload-network")),
		SensorBytesReceived: d.entity(componentSensor, base+SensorBytesReceived, iv, bytes("mdi:download-network")),
	}
}

// ConfigMessages returns the retained discovery messages for descs, the
// service entity first.
func (d *Discovery) ConfigMessages(descs []probe.Descriptor) []Message {
	out := []Message{d.ServiceEntity().configMessage()}
	for _, desc := range descs {
		entities := d.Entities(desc)
		for _, name := range sensorOrder {
			if e, ok := entities[name]; ok {
				out = append(out, e.configMessage())
			}
		}
	}
	return out
}

var sensorOrder = []string{
	SensorRTT, SensorAverageRTT, SensorAverageLoss, SensorJitter,
	SensorJitterGrade, SensorConnectivity, SensorBytesSent, SensorBytesReceived,
}

// StateMessages renders snap. Averages are withheld until the history is
// filled to MinHistoryFill; missing values are sent as "unavailable".
func (d *Discovery) StateMessages(desc probe.Descriptor, snap probe.Snapshot) []Message {
	entities := d.Entities(desc)
	if snap.Identity.Kind == probe.KindCompound {
		return []Message{entities[SensorConnectivity].state(onOff(snap.Available() && snap.Up))}
	}

	var out []Message
	num := func(v float64, ok bool) string {
		if !ok {
			return StateUnavailable
		}
		return stats.Format(v, snap.Precision)
	}
	if snap.Available() && snap.Last.OK() {
		out = append(out,
			entities[SensorRTT].state(num(snap.Last.Latency.Seconds()*1000, true)),
			entities[SensorConnectivity].state(StateOn),
		)
	} else {
		out = append(out, entities[SensorConnectivity].state(StateOff))
	}

	if snap.Failed {
		for _, name := range []string{SensorAverageRTT, SensorAverageLoss, SensorJitter, SensorJitterGrade} {
			out = append(out, entities[name].state(StateUnavailable))
		}
	} else if snap.FillPercent >= d.MinHistoryFill {
		avg, hasAvg := snap.Stats.AvgRTTMs()
		jitter, hasJitter := snap.Stats.JitterMs()
		grade, hasGrade := snap.Stats.JitterPercent()
		out = append(out,
			entities[SensorAverageRTT].state(num(avg, hasAvg)),
			entities[SensorAverageLoss].state(num(snap.Stats.LossPercent, snap.Stats.Samples > 0)),
			entities[SensorJitter].state(num(jitter, hasJitter)),
			entities[SensorJitterGrade].state(num(grade, hasGrade)),
		)
	}

	out = append(out,
		entities[SensorBytesSent].state(strconv.FormatUint(snap.BytesSent, 10)),
		entities[SensorBytesReceived].state(strconv.FormatUint(snap.BytesReceived, 10)),
	)
	return out
}

func onOff(on bool) string {
	if on {
		return StateOn
	}
	return StateOff
}

// Slugify lowercases text, strips accents and joins alphanumeric runs with
// underscores.
func Slugify(text string) string {
	if text == "" {
		return ""
	}
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(folded) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
