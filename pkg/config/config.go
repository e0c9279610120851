// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "BEACON_"
)

var (
	ErrKeyFileIncorrectPermission = errors.New("key file others permissions must be set to 0")
	ErrKeysNotSet                 = errors.New("one of livekit.key_file or livekit.api_key/api_secret must be provided")
	ErrMultipleKeys               = errors.New("key file must contain exactly one api key")
)

var durationType = reflect.TypeOf(time.Duration(0))

type Config struct {
	Port           uint32          `yaml:"port,omitempty"`
	BindAddresses  []string        `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32          `yaml:"prometheus_port,omitempty"`
	LiveKit        LiveKitConfig   `yaml:"livekit,omitempty"`
	Redis          RedisConfig     `yaml:"redis,omitempty"`
	Room           RoomConfig      `yaml:"room,omitempty"`
	Recording      RecordingConfig `yaml:"recording,omitempty"`
	CORS           CORSConfig      `yaml:"cors,omitempty"`
	Logging        LoggingConfig   `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

// LiveKitConfig points at the media server that hosts rooms and egress.
// An empty URL runs against the in-process gateway.
type LiveKitConfig struct {
	URL            string        `yaml:"url,omitempty"`
	APIKey         string        `yaml:"api_key,omitempty"`
	APISecret      string        `yaml:"api_secret,omitempty"`
	KeyFile        string        `yaml:"key_file,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

type RedisConfig struct {
	Address  string `yaml:"address,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

func (r RedisConfig) IsConfigured() bool {
	return r.Address != ""
}

type RoomConfig struct {
	// remote room settings, seconds
	EmptyTimeout    uint32 `yaml:"empty_timeout,omitempty"`
	MaxParticipants uint32 `yaml:"max_participants,omitempty"`

	// delay between force-disconnect notice and teardown when a source leaves
	GraceInterval             time.Duration `yaml:"grace_interval,omitempty"`
	ReconcileInterval         time.Duration `yaml:"reconcile_interval,omitempty"`
	DuplicateCheckInterval    time.Duration `yaml:"duplicate_check_interval,omitempty"`
	LocationBroadcastInterval time.Duration `yaml:"location_broadcast_interval,omitempty"`
	// how long a room may sit with no remote participants before reconciliation closes it
	RemoteEmptyGrace time.Duration `yaml:"remote_empty_grace,omitempty"`
	TokenTTL         time.Duration `yaml:"token_ttl,omitempty"`
	// fmt pattern, receives the source identity
	DisplayNameFormat string `yaml:"display_name_format,omitempty"`
}

type RecordingConfig struct {
	PathPrefix string   `yaml:"path_prefix,omitempty"`
	S3         S3Config `yaml:"s3,omitempty"`
}

type S3Config struct {
	AccessKey string `yaml:"access_key,omitempty"`
	Secret    string `yaml:"secret,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
}

func (s S3Config) IsConfigured() bool {
	return s.Bucket != ""
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

var DefaultConfig = Config{
	Port: 3000,
	LiveKit: LiveKitConfig{
		RequestTimeout: 10 * time.Second,
	},
	Room: RoomConfig{
		EmptyTimeout:              10 * 60,
		MaxParticipants:           20,
		GraceInterval:             2 * time.Second,
		ReconcileInterval:         time.Minute,
		DuplicateCheckInterval:    5 * time.Minute,
		LocationBroadcastInterval: 10 * time.Second,
		RemoteEmptyGrace:          2 * time.Minute,
		TokenTTL:                  6 * time.Hour,
		DisplayNameFormat:         "%s's stream",
	},
	Recording: RecordingConfig{
		PathPrefix: "recordings",
	},
	CORS: CORSConfig{
		AllowedOrigins: []string{"*"},
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	// expand env vars in filenames
	file, err := homedir.Expand(os.ExpandEnv(conf.LiveKit.KeyFile))
	if err != nil {
		return nil, err
	}
	conf.LiveKit.KeyFile = file

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Room.DisplayNameFormat == "" {
		conf.Room.DisplayNameFormat = DefaultConfig.Room.DisplayNameFormat
	}

	return &conf, nil
}

func (conf *Config) DisplayName(identity string) string {
	return fmt.Sprintf(conf.Room.DisplayNameFormat, identity)
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

// ValidateKeys resolves the media server key pair, preferring the key file when set.
func (conf *Config) ValidateKeys() error {
	if conf.LiveKit.KeyFile != "" {
		var otherFilter os.FileMode = 0o007
		if st, err := os.Stat(conf.LiveKit.KeyFile); err != nil {
			return err
		} else if st.Mode().Perm()&otherFilter != 0o000 {
			return ErrKeyFileIncorrectPermission
		}
		f, err := os.Open(conf.LiveKit.KeyFile)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		keys := map[string]string{}
		if err = yaml.NewDecoder(f).Decode(keys); err != nil {
			return err
		}
		if len(keys) != 1 {
			return ErrMultipleKeys
		}
		for key, secret := range keys {
			conf.LiveKit.APIKey = key
			conf.LiveKit.APISecret = secret
		}
	}

	if conf.LiveKit.APIKey == "" || conf.LiveKit.APISecret == "" {
		return ErrKeysNotSet
	}

	if !conf.Development && len(conf.LiveKit.APISecret) < 32 {
		logger.Errorw("secret is too short, should be at least 32 characters for security", nil, "apiKey", conf.LiveKit.APIKey)
	}
	return nil
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := envPrefix + strings.ToUpper(strings.Replace(name, ".", "_", -1))

		if value.Type() == durationType {
			flags = append(flags, &cli.DurationFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			})
			continue
		}

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map, reflect.Struct:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		if configValue.Type() == durationType {
			configValue.SetInt(int64(c.Duration(flagName)))
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("livekit-url") {
		conf.LiveKit.URL = c.String("livekit-url")
	}
	if c.IsSet("livekit-api-key") {
		conf.LiveKit.APIKey = c.String("livekit-api-key")
	}
	if c.IsSet("livekit-api-secret") {
		conf.LiveKit.APISecret = c.String("livekit-api-secret")
	}
	if c.IsSet("key-file") {
		conf.LiveKit.KeyFile = c.String("key-file")
	}
	if c.IsSet("redis-host") {
		conf.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	return nil
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "beacon")
}
