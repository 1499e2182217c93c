// Config is key, value map for system level and component configuration.
// Key is a string and represents a config parameter, and corresponding
// value is an interface{} that can be consumed using accessor methods
// based on the context of config-value.
//
// Set and SetValue update a Config map in place; ConfigHolder swaps
// whole maps atomically for readers that need a stable snapshot.
//
// Shape of config-parameter, the key string, is sequence of alpha-numeric
// characters separated by one or more '.' , eg,
//      "dcp.producerSnapshotMarkerYieldLimit"

package common

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"
)

// Threadsafe config holder object
type ConfigHolder struct {
	ptr unsafe.Pointer
}

func (h *ConfigHolder) Store(conf Config) {
	atomic.StorePointer(&h.ptr, unsafe.Pointer(&conf))
}

func (h *ConfigHolder) Load() Config {
	confptr := atomic.LoadPointer(&h.ptr)
	return *(*Config)(confptr)
}

// Config is a key, value map with key always being a string
// represents a config-parameter.
type Config map[string]ConfigValue

// ConfigValue for each parameter.
type ConfigValue struct {
	Value      interface{}
	Help       string
	DefaultVal interface{}
	Immutable  bool
}

// SystemConfig is default configuration for the dcp core. Parameters
// follow flat namespacing like,
//      "maxVbuckets"  for system-level config parameter
//      "dcp.xxx"      for dcp component.
var SystemConfig = Config{
	"maxVbuckets": ConfigValue{
		1024,
		"number of vbuckets configured in KV",
		1024,
		true,
	},
	"dcp.minCompressionRatio": ConfigValue{
		1.3,
		"minimum ratio a producer must achieve before sending a " +
			"compressed value, below it values go uncompressed",
		1.3,
		false,
	},
	"dcp.producerSnapshotMarkerYieldLimit": ConfigValue{
		10,
		"number of streams the checkpoint processor drains " +
			"before yielding back to the executor",
		10,
		false,
	},
	"dcp.maxDataSize": ConfigValue{
		10 * 1024 * 1024 * 1024,
		"bucket quota in bytes, drives the backfill admission cap",
		10 * 1024 * 1024 * 1024,
		false,
	},
	"dcp.connBufferSize": ConfigValue{
		20 * 1024 * 1024,
		"consumer flow control window in bytes",
		20 * 1024 * 1024,
		false,
	},
	"dcp.consumerProcessorBatchSize": ConfigValue{
		10,
		"max buffered messages a passive stream applies per " +
			"processor iteration",
		10,
		false,
	},
	"dcp.consumerProcessorBudget": ConfigValue{
		25,
		"consecutive cannot-process results tolerated before the " +
			"passive stream is ended as slow",
		25,
		false,
	},
	"dcp.slowStreamByteThreshold": ConfigValue{
		10 * 1024 * 1024,
		"ready queue bytes above which an active stream is a " +
			"candidate for slow eviction",
		10 * 1024 * 1024,
		false,
	},
	"dcp.slowStreamIdleSeconds": ConfigValue{
		10,
		"seconds without a drain before a saturated active stream " +
			"may be evicted",
		10,
		false,
	},
	"dcp.backfillScanConcurrency": ConfigValue{
		4,
		"disk scans allowed to run at once, admission caps the " +
			"total active plus snoozing set separately",
		4,
		true,
	},
	"dcp.backfillBufferBytes": ConfigValue{
		20 * 1024 * 1024,
		"bytes of scanned-but-unsent items a stream may hold " +
			"before the scan snoozes",
		20 * 1024 * 1024,
		false,
	},
}

// NewConfig from another Config object or from map[string]interface{}
// object, with inline overrides.
func NewConfig(data interface{}) (Config, error) {
	config := SystemConfig.Clone()
	err := config.Update(data)
	return config, err
}

// Update config object with data, can be a Config, a
// map[string]interface{} of parameter values, or marshalled JSON of one.
func (config Config) Update(data interface{}) error {
	switch v := data.(type) {
	case Config:
		for key, value := range v {
			config.Set(key, value)
		}

	case []byte:
		m := make(map[string]interface{})
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		return config.Update(m)

	case map[string]interface{}:
		for key, value := range v {
			if err := config.SetValue(key, value); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("config: accepts Config, []byte, or map")
	}
	return nil
}

// Clone a new config object.
func (config Config) Clone() Config {
	clone := make(Config)
	for key, value := range config {
		clone[key] = value
	}
	return clone
}

// Set ConfigValue for parameter. Mutates the config object.
func (config Config) Set(key string, cv ConfigValue) Config {
	config[key] = cv
	return config
}

// SetValue config parameter with value. Mutates the config object.
func (config Config) SetValue(key string, value interface{}) error {
	cv, ok := config[key]
	if !ok {
		return fmt.Errorf("config: invalid param %v", key)
	}
	defType := fmt.Sprintf("%T", cv.DefaultVal)
	valType := fmt.Sprintf("%T", value)
	if valType == "float64" && defType == "int" {
		value = int(value.(float64))
	} else if valType == "int" && defType == "float64" {
		value = float64(value.(int))
	} else if valType != defType {
		return fmt.Errorf(
			"config: %v value type %v, expected %v", key, valType, defType)
	}
	cv.Value = value
	config[key] = cv
	return nil
}

// SectionConfig will create a new config object with parameters
// starting with `prefix`. If `trim` is true, parameter names will
// have the prefix trimmed.
func (config Config) SectionConfig(prefix string, trim bool) Config {
	section := make(Config)
	for key, value := range config {
		if strings.HasPrefix(key, prefix) {
			if trim {
				section[strings.TrimPrefix(key, prefix)] = value
			} else {
				section[key] = value
			}
		}
	}
	return section
}

// Json marshals the config for logging and the stats surface.
func (config Config) Json() []byte {
	kvs := make(map[string]interface{})
	for key, value := range config {
		kvs[key] = value.Value
	}
	data, _ := json.Marshal(kvs)
	return data
}

// Int assumes config value is an integer and returns the same.
func (cv ConfigValue) Int() int {
	switch v := cv.Value.(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	panic(fmt.Errorf("config: not an int %v", cv.Value))
}

// Uint64 assumes config value is 64-bit unsigned and returns the same.
func (cv ConfigValue) Uint64() uint64 {
	return uint64(cv.Int())
}

// Float64 assumes config value is a float and returns the same.
func (cv ConfigValue) Float64() float64 {
	switch v := cv.Value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	panic(fmt.Errorf("config: not a float %v", cv.Value))
}

// String assumes config value is a string and returns the same.
func (cv ConfigValue) String() string {
	return cv.Value.(string)
}

// Bool assumes config value is a boolean and returns the same.
func (cv ConfigValue) Bool() bool {
	return cv.Value.(bool)
}
