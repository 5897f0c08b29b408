package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileKeys maps config file keys (the flag names) to the environment
// variables they stand in for.
var fileKeys = map[string]string{
	"listen-addr":                       envVarListenAddr,
	"public-base-url":                   envVarPublicBaseURL,
	"allowed-origins":                   envVarAllowedOrigins,
	"mode":                              envVarMode,
	"log-format":                        envVarLogFormat,
	"log-level":                         envVarLogLevel,
	"shutdown-timeout":                  envVarShutdownTimeout,
	"auth-mode":                         envVarAuthMode,
	"api-key":                           envVarAPIKey,
	"jwt-secret":                        envVarJWTSecret,
	"signaling-auth-timeout":            envVarSignalingAuthTimeout,
	"signaling-ws-idle-timeout":         envVarSignalingWSIdleTimeout,
	"signaling-ws-ping-interval":        envVarSignalingWSPingInterval,
	"max-signaling-message-bytes":       envVarMaxSignalingMessageBytes,
	"max-signaling-messages-per-second": envVarMaxSignalingMessagesPerSecond,
	"max-room-id-length":                envVarMaxRoomIDLength,
	"max-room-members":                  envVarMaxRoomMembers,
	"max-connections":                   envVarMaxConnections,
	"peer-send-queue-bytes":             envVarPeerSendQueueBytes,
	"ice-servers":                       envICEServersJSON,
	"stun-urls":                         envStunURLs,
	"turn-urls":                         envTurnURLs,
	"turn-username":                     envTurnUsername,
	"turn-credential":                   envTurnCredential,
	"turn-rest-shared-secret":           envVarTURNRESTSharedSecret,
	"turn-rest-ttl-seconds":             envVarTURNRESTTTLSeconds,
	"turn-rest-username-prefix":         envVarTURNRESTUsernamePrefix,
	"turn-rest-realm":                   envVarTURNRESTRealm,
	"mdns-advertise":                    envVarMDNSAdvertise,
	"mdns-instance":                     envVarMDNSInstance,
}

// readConfigFile loads a YAML mapping of flag names to values and returns it
// keyed by environment variable. Lists are joined with commas, except
// ice-servers, which is re-encoded as JSON.
func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	values, err := parseConfigFile(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return values, nil
}

func parseConfigFile(data []byte) (map[string]string, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var unknown []string
	out := make(map[string]string, len(doc))
	for key, node := range doc {
		envKey, ok := fileKeys[key]
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		value, err := fileValue(key, &node)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[envKey] = value
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func fileValue(key string, node *yaml.Node) (string, error) {
	if key == "ice-servers" && node.Kind != yaml.ScalarNode {
		var v any
		if err := node.Decode(&v); err != nil {
			return "", err
		}
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(v); err != nil {
			return "", err
		}
		return strings.TrimSpace(buf.String()), nil
	}

	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value, nil
	case yaml.SequenceNode:
		items := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return "", errors.New("list entries must be scalars")
			}
			items = append(items, item.Value)
		}
		return strings.Join(items, ","), nil
	default:
		return "", errors.New("expected a scalar or a list")
	}
}

// layered consults primary first and falls back to values.
func layered(primary func(string) (string, bool), values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok && v != "" {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}
}
