package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

var errUnknownKey = errors.New("unknown config key")

// keyAliases are short spellings accepted in the config file.
var keyAliases = map[string]string{
	"p2p":  "p2p.enabled",
	"rpc":  "rpc.enabled",
	"mine": "mining.enabled",
}

// confFields maps every `conf` tag in Config to its field index path.
var confFields = indexFields(reflect.TypeFor[Config]())

var durationType = reflect.TypeFor[time.Duration]()

func indexFields(t reflect.Type) map[string][]int {
	out := make(map[string][]int)
	for i := range t.NumField() {
		f := t.Field(i)
		if key := f.Tag.Get("conf"); key != "" {
			out[key] = []int{i}
			continue
		}
		if f.Type.Kind() == reflect.Struct {
			for key, sub := range indexFields(f.Type) {
				out[key] = append([]int{i}, sub...)
			}
		}
	}
	return out
}

// Set assigns value to the setting named key ("p2p.port", "log.json", ...).
func (c *Config) Set(key, value string) error {
	if full, ok := keyAliases[key]; ok {
		key = full
	}
	idx, ok := confFields[key]
	if !ok {
		return fmt.Errorf("%w %q", errUnknownKey, key)
	}
	return setField(reflect.ValueOf(c).Elem().FieldByIndex(idx), value)
}

func setField(v reflect.Value, s string) error {
	if v.Type() == durationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		v.SetBool(parseBool(s))
	case reflect.Int:
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
	case reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Slice:
		v.Set(reflect.ValueOf(parseStringList(s)))
	default:
		return fmt.Errorf("unsupported setting type %s", v.Type())
	}
	return nil
}

// LoadFile reads a "key = value" config file. Blank lines and lines
// starting with # are skipped; a missing file yields no values.
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected key = value", path, i+1)
		}
		values[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return values, nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// ApplyFileConfig applies values from LoadFile to cfg. Unknown keys are
// ignored so a newer config file still loads.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		err := cfg.Set(key, values[key])
		if errors.Is(err, errUnknownKey) {
			continue
		}
		if err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// parseStringList splits a comma-separated list, dropping empty items.
func parseStringList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

type confSection struct {
	title string
	lines []string
}

// WriteDefaultConfig writes a commented node config for network to path.
func WriteDefaultConfig(path string, network NetworkType) error {
	def := Default(network)
	sections := []confSection{
		{"P2P network", []string{
			"p2p.enabled = true",
			"p2p.listen = " + def.P2P.ListenAddr,
			"p2p.port = " + strconv.Itoa(def.P2P.Port),
			"p2p.maxpeers = " + strconv.Itoa(def.P2P.MaxPeers),
			"# Comma-separated multiaddrs, e.g. /ip4/203.0.113.1/tcp/31303/p2p/12D3KooW...",
			"# p2p.seeds =",
			"# p2p.nodiscover = false",
			"# Seed nodes should answer DHT queries",
			"# p2p.dhtserver = false",
		}},
		{"RPC (JSON-RPC, mining proxy and /metrics)", []string{
			"rpc.enabled = true",
			"rpc.addr = " + def.RPC.Addr,
			"rpc.port = " + strconv.Itoa(def.RPC.Port),
			"rpc.allowed = " + strings.Join(def.RPC.AllowedIPs, ","),
			"# rpc.cors = http://localhost:3000",
		}},
		{"Mining", []string{
			"mining.enabled = false",
			"# Skip the initial sync; only for the first node of a network",
			"# mining.first = false",
			"# Hex or encrypted key, see klingpow-cli key generate",
			"# mining.keyfile =",
			"# mining.password_file =",
			"# 0 leaves solving to klingpow-miner",
			"# mining.threads = " + strconv.Itoa(def.Mining.Threads),
		}},
		{"Sync", []string{
			"# sync.batch_size = " + strconv.Itoa(def.Sync.BatchSize),
			"# sync.timeout = " + def.Sync.Timeout.String(),
			"# sync.margin = " + strconv.FormatUint(def.Sync.Margin, 10),
		}},
		{"Storage", []string{
			"# " + BackendBadger + " or " + BackendLevelDB,
			"storage.backend = " + def.Storage.Backend,
		}},
		{"Logging", []string{
			"log.level = " + def.Log.Level,
			"# log.file =",
			"log.json = " + strconv.FormatBool(def.Log.JSON),
		}},
	}

	var b strings.Builder
	b.WriteString("# klingpowd node configuration.\n")
	b.WriteString("# Consensus rules live in the genesis file, not here.\n\n")
	fmt.Fprintf(&b, "network = %s\n# datadir = %s\n", network, DefaultDataDir())
	for _, s := range sections {
		fmt.Fprintf(&b, "\n# --- %s ---\n", s.title)
		for _, l := range s.lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
