// Package codec serializes kvmsg messages into chunk payloads. Every chunk
// carries the name of the codec that produced it so the receiving side can
// pick the matching decoder.
package codec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

const (
	JSON  = "json"
	CBOR  = "cbor"
	Proto = "proto"

	// Default is used when no codec name is configured or stamped.
	Default = JSON
)

// Codec turns a message into bytes and back.
type Codec interface {
	Name() string
	Marshal(msg kvmsg.Message) ([]byte, error)
	Unmarshal(data []byte) (kvmsg.Message, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Codec{}
)

func init() {
	Register(jsonCodec{})
	Register(cborCodec{})
	Register(protoCodec{})
}

// Register makes c available to Lookup, replacing any codec with the same name.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Name()] = c
}

// Lookup returns the codec registered under name; "" selects Default.
func Lookup(name string) (Codec, error) {
	if name == "" {
		name = Default
	}
	registryMu.RLock()
	c, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown codec: %q (registered: %v)", name, Names())
	}
	return c, nil
}

// Names lists the registered codec names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
