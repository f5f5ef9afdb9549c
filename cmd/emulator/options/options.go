package options

import (
	"time"

	"github.com/spf13/pflag"
	"scpiemulator/cmd/emulator/config"
	"scpiemulator/pkg/definition"
	"scpiemulator/pkg/emulator"
	baseoptions "scpiemulator/pkg/generic/options"
	"scpiemulator/pkg/utils/uuidutil"
)

type Options struct {
	Definitions  string        `json:"definitions"`
	Host         string        `json:"host"`
	PortStart    int           `json:"port-start"`
	Web          bool          `json:"web"`
	WebPort      string        `json:"web-port"`
	MQTTBroker   string        `json:"mqtt-broker"`
	MQTTTopic    string        `json:"mqtt-topic"`
	CertFile     string        `json:"cert-file"`
	KeyFile      string        `json:"key-file"`
	PollInterval time.Duration `json:"poll-interval"`
	IdleTimeout  time.Duration `json:"idle-timeout"`
	Wait         time.Duration `json:"graceful-timeout"`
	baseoptions.BaseOptions
}

const (
	_defaultHost    = "localhost"
	_defaultWebPort = "8081"
	_defaultTopic   = "scpi/commands"
	_defaultWait    = 15 * time.Second
)

func NewDefaultOptions() *Options {
	return &Options{
		Host:         _defaultHost,
		PortStart:    definition.DefaultPortStart,
		WebPort:      _defaultWebPort,
		MQTTTopic:    _defaultTopic,
		PollInterval: emulator.DefaultPollInterval,
		IdleTimeout:  emulator.DefaultIdleTimeout,
		Wait:         _defaultWait,
		BaseOptions:  baseoptions.NewDefaultBaseOptions(),
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Definitions, "load", "l", o.Definitions, "CSV file with the instrument definitions to emulate")
	fs.StringVar(&o.Host, "host", o.Host, "Interface the instrument servers bind to")
	fs.IntVarP(&o.PortStart, "port-start", "p", o.PortStart, "First port assigned to instruments without an explicit one")
	fs.BoolVarP(&o.Web, "web", "w", o.Web, "Serve the web dashboard")
	fs.StringVarP(&o.WebPort, "web-port", "P", o.WebPort, "Port the web dashboard is exposed on")
	fs.StringVar(&o.MQTTBroker, "mqtt-broker", o.MQTTBroker, "MQTT broker for command telemetry, e.g. tcp://127.0.0.1:1883")
	fs.StringVar(&o.MQTTTopic, "mqtt-topic", o.MQTTTopic, "Topic command telemetry is published to")
	fs.StringVar(&o.CertFile, "cert-file", o.CertFile, "TLS certificate for the web dashboard; plain HTTP when unset")
	fs.StringVar(&o.KeyFile, "key-file", o.KeyFile, "TLS private key for the web dashboard")
	fs.DurationVar(&o.PollInterval, "poll-interval", o.PollInterval, "Connection read poll interval")
	fs.DurationVar(&o.IdleTimeout, "idle-timeout", o.IdleTimeout, "Idle time after which a partial command line is dispatched anyway")
	fs.DurationVar(&o.Wait, "graceful-timeout", o.Wait, "The duration for which the server gracefully wait for existing connections to finish - e.g. 15s or 1m")
}

func (o *Options) Config(_ <-chan struct{}) (*config.Config, error) {
	entries, err := definition.LoadFile(o.Definitions, o.PortStart)
	if err != nil {
		return nil, err
	}

	mgr := emulator.NewManager(
		emulator.WithHost(o.Host),
		emulator.WithFraming(emulator.Framing{PollInterval: o.PollInterval, IdleTimeout: o.IdleTimeout}),
	)
	mgr.SetInstruments(entries)

	c := &config.Config{
		EmulatorMgr: mgr,
		CertFile:    o.CertFile,
		KeyFile:     o.KeyFile,
	}
	if o.MQTTBroker != "" {
		sink, err := emulator.NewMQTTSink(o.MQTTBroker, "scpi-emulator-"+uuidutil.ShortUUID(), o.MQTTTopic)
		if err != nil {
			return nil, err
		}
		mgr.AddSink(sink)
		c.MQTTSink = sink
	}
	return c, nil
}
