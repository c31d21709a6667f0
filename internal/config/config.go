package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"github.com/zrepl/yaml-config"
)

type Config struct {
	Process   *ProcessConfig  `yaml:"process,optional,fromdefaults"`
	Bus       BusEnum         `yaml:"bus"`
	Directory DirectoryEnum   `yaml:"directory"`
	Sessions  *SessionsConfig `yaml:"sessions,optional"`
	Global    *Global         `yaml:"global,optional,fromdefaults"`
}

type ProcessConfig struct {
	Registration *RegistrationConfig `yaml:"registration,optional,fromdefaults"`
	Callbacks    *CallbacksConfig    `yaml:"callbacks,optional,fromdefaults"`
}

type RegistrationConfig struct {
	MaxAttempts int           `yaml:"max_attempts,optional,default=10"`
	Backoff     time.Duration `yaml:"backoff,optional,positive,default=100ms"`
	MaxBackoff  time.Duration `yaml:"max_backoff,optional,positive,default=5s"`
	// Timeout bounds each directory request during registration.
	Timeout time.Duration `yaml:"timeout,optional,positive,default=10s"`
}

// CallbacksConfig controls pending cross-process callbacks.
// A zero Timeout keeps pending callbacks until they are resolved.
type CallbacksConfig struct {
	Timeout       time.Duration `yaml:"timeout,optional"`
	SweepInterval time.Duration `yaml:"sweep_interval,optional,positive,default=10s"`
}

type SessionsConfig struct {
	Listen         string `yaml:"listen"`
	MaxConnections int    `yaml:"max_connections,optional,default=1024"`
}

type BusEnum struct {
	Ret interface{}
}

type ZMQBus struct {
	Type string `yaml:"type"`
	// Publish is the address of the broker's XSUB socket.
	Publish string `yaml:"publish"`
	// Subscribe is the address of the broker's XPUB socket.
	Subscribe string `yaml:"subscribe"`
}

type RedisBus struct {
	Type     string        `yaml:"type"`
	Address  string        `yaml:"address"`
	Password string        `yaml:"password,optional"`
	DB       int           `yaml:"db,optional,default=0"`
	Timeout  time.Duration `yaml:"timeout,optional,positive,default=5s"`
}

// LocalBus is an in-process bus. Only useful if all processes run in one binary.
type LocalBus struct {
	Type string `yaml:"type"`
}

type DirectoryEnum struct {
	Ret interface{}
}

type ZMQDirectory struct {
	Type    string        `yaml:"type"`
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout,optional,positive,default=4s"`
}

type RedisDirectory struct {
	Type      string        `yaml:"type"`
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password,optional"`
	DB        int           `yaml:"db,optional,default=0"`
	KeyPrefix string        `yaml:"key_prefix,optional,default=procmesh"`
	Timeout   time.Duration `yaml:"timeout,optional,positive,default=5s"`
}

type SQLDirectory struct {
	Type         string `yaml:"type"`
	DSN          string `yaml:"dsn"`
	CreateSchema bool   `yaml:"create_schema,optional,default=true"`
}

type MemoryDirectory struct {
	Type string `yaml:"type"`
}

type LoggingOutletEnumList []LoggingOutletEnum

func (l *LoggingOutletEnumList) SetDefault() {
	def := `
type: "stdout"
time: true
level: "warn"
format: "human"
`
	s := &StdoutLoggingOutlet{}
	err := yaml.UnmarshalStrict([]byte(def), s)
	if err != nil {
		panic(err)
	}
	*l = []LoggingOutletEnum{{Ret: s}}
}

var _ yaml.Defaulter = &LoggingOutletEnumList{}

type Global struct {
	Logging    *LoggingOutletEnumList `yaml:"logging,optional,fromdefaults"`
	Monitoring []MonitoringEnum       `yaml:"monitoring,optional"`
}

func Default(i interface{}) {
	v := reflect.ValueOf(i)
	if v.Kind() != reflect.Ptr {
		panic(v)
	}
	y := `{}`
	err := yaml.Unmarshal([]byte(y), v.Interface())
	if err != nil {
		panic(err)
	}
}

type LoggingOutletEnum struct {
	Ret interface{}
}

type LoggingOutletCommon struct {
	Type   string `yaml:"type"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StdoutLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Time                bool `yaml:"time,default=true"`
	Color               bool `yaml:"color,default=true"`
}

type SyslogLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	RetryInterval       time.Duration `yaml:"retry_interval,positive,default=10s"`
}

type TCPLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Address             string               `yaml:"address"`
	Net                 string               `yaml:"net,default=tcp"`
	RetryInterval       time.Duration        `yaml:"retry_interval,positive,default=10s"`
	TLS                 *TCPLoggingOutletTLS `yaml:"tls,optional"`
}

type TCPLoggingOutletTLS struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type MonitoringEnum struct {
	Ret interface{}
}

type PrometheusMonitoring struct {
	Type   string `yaml:"type"`
	Listen string `yaml:"listen"`
}

func enumUnmarshal(u func(interface{}, bool) error, types map[string]interface{}) (interface{}, error) {
	var in struct {
		Type string
	}
	if err := u(&in, true); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, &yaml.TypeError{Errors: []string{"must specify type"}}
	}

	v, ok := types[in.Type]
	if !ok {
		return nil, &yaml.TypeError{Errors: []string{fmt.Sprintf("invalid type name %q", in.Type)}}
	}
	if err := u(v, false); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *BusEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"zmq":   &ZMQBus{},
		"redis": &RedisBus{},
		"local": &LocalBus{},
	})
	return
}

func (t *DirectoryEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"zmq":      &ZMQDirectory{},
		"redis":    &RedisDirectory{},
		"postgres": &SQLDirectory{},
		"mysql":    &SQLDirectory{},
		"memory":   &MemoryDirectory{},
	})
	return
}

func (t *LoggingOutletEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"stdout": &StdoutLoggingOutlet{},
		"syslog": &SyslogLoggingOutlet{},
		"tcp":    &TCPLoggingOutlet{},
	})
	return
}

func (t *MonitoringEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"prometheus": &PrometheusMonitoring{},
	})
	return
}

var ConfigFileDefaultLocations = []string{
	"/etc/procmesh/procmesh.yml",
	"/usr/local/etc/procmesh/procmesh.yml",
}

func ParseConfig(path string) (i *Config, err error) {

	if path == "" {
		// Try default locations
		for _, l := range ConfigFileDefaultLocations {
			stat, statErr := os.Stat(l)
			if statErr != nil {
				continue
			}
			if !stat.Mode().IsRegular() {
				err = errors.Errorf("file at default location is not a regular file: %s", l)
				return
			}
			path = l
			break
		}
	}

	var bytes []byte

	if bytes, err = ioutil.ReadFile(path); err != nil {
		return
	}

	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("config is empty or only consists of comments")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	r := c.Process.Registration
	if r.MaxAttempts < 1 {
		return errors.Errorf("process.registration.max_attempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.MaxBackoff < r.Backoff {
		return errors.Errorf("process.registration.max_backoff (%s) must not be smaller than backoff (%s)", r.MaxBackoff, r.Backoff)
	}
	if c.Process.Callbacks.Timeout < 0 {
		return errors.Errorf("process.callbacks.timeout must not be negative")
	}
	if c.Sessions != nil && c.Sessions.Listen == "" {
		return errors.Errorf("sessions.listen must be set if sessions are configured")
	}
	return nil
}
