package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dl-alexandre/cloudstream/internal/types"
)

type setter func(c *Config, value string) error

func intSetter(dst func(c *Config) *int) setter {
	return func(c *Config, value string) error {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("expected an integer, got %q", value)
		}
		*dst(c) = n
		return nil
	}
}

func stringSetter(dst func(c *Config) *string) setter {
	return func(c *Config, value string) error {
		*dst(c) = strings.TrimSpace(value)
		return nil
	}
}

// setters is keyed by the lower-cased JSON name of each field
var setters = map[string]setter{
	"enginebinary":   stringSetter(func(c *Config) *string { return &c.EngineBinary }),
	"engineconfig":   stringSetter(func(c *Config) *string { return &c.EngineConfig }),
	"cacheroot":      stringSetter(func(c *Config) *string { return &c.CacheRoot }),
	"cachemaxsizemb": intSetter(func(c *Config) *int { return &c.CacheMaxSizeMB }),
	"cachemaxage":    intSetter(func(c *Config) *int { return &c.CacheMaxAge }),
	"listingttl":     intSetter(func(c *Config) *int { return &c.ListingTTL }),
	"listratelimit": func(c *Config, value string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("expected a number, got %q", value)
		}
		c.ListRateLimit = f
		return nil
	},
	"commandtimeout":  intSetter(func(c *Config) *int { return &c.CommandTimeout }),
	"startuptimeout":  intSetter(func(c *Config) *int { return &c.StartupTimeout }),
	"idletimeout":     intSetter(func(c *Config) *int { return &c.IdleTimeout }),
	"authtimeout":     intSetter(func(c *Config) *int { return &c.AuthTimeout }),
	"terminategrace":  intSetter(func(c *Config) *int { return &c.TerminateGrace }),
	"healthinterval":  intSetter(func(c *Config) *int { return &c.HealthInterval }),
	"serveport":       intSetter(func(c *Config) *int { return &c.ServePort }),
	"apiaddr":         stringSetter(func(c *Config) *string { return &c.APIAddr }),
	"credentialstore": stringSetter(func(c *Config) *string { return &c.CredentialStore }),
	"loglevel":        stringSetter(func(c *Config) *string { return &c.LogLevel }),
	"defaultoutputformat": func(c *Config, value string) error {
		c.DefaultOutputFormat = types.OutputFormat(strings.TrimSpace(value))
		return nil
	},
	"coloroutput": func(c *Config, value string) error {
		c.ColorOutput = parseBool(value)
		return nil
	},
}

// Keys lists the settable configuration keys
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one key from its string form. The config is left unchanged
// when the key is unknown or the result does not validate.
func (c *Config) Set(key, value string) error {
	set, ok := setters[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	next := *c
	if err := set(&next, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// Values lists every setting with its current value, sorted by key
func (c *Config) Values() types.Pairs {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	pairs := make(types.Pairs, 0, len(raw))
	for k, v := range raw {
		value := string(v)
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		}
		pairs = append(pairs, types.Pair{Key: k, Value: value})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs
}

// Get returns the current value of one key in its string form
func (c *Config) Get(key string) (string, error) {
	want := strings.ToLower(strings.TrimSpace(key))
	if _, ok := setters[want]; !ok {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	for _, p := range c.Values() {
		if strings.ToLower(p.Key) == want {
			return p.Value, nil
		}
	}
	// omitted from JSON because it is empty
	return "", nil
}

// AsTableRenderer shows the config as a key/value table
func (c *Config) AsTableRenderer() types.TableRenderer {
	return c.Values()
}
