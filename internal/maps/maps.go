// Package maps holds the symbol and channel normalization tables that turn
// exchange-native names into the canonical names used downstream. A
// descriptor's optional maps section points at these tables; when no
// mapping exists for a raw value, the raw value passes through unchanged.
package maps

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// NormalizationMaps holds the loaded symbol/channel lookup tables for one
// exchange descriptor.
type NormalizationMaps struct {
	SymbolMap  map[string]string
	ChannelMap map[string]string
}

// New returns an empty NormalizationMaps. Unlike the zero value, whose maps
// are nil, its maps accept entries at call sites that build one up
// programmatically.
func New() NormalizationMaps {
	return NormalizationMaps{
		SymbolMap:  make(map[string]string),
		ChannelMap: make(map[string]string),
	}
}

// NormalizeSymbol returns the canonical symbol for a raw exchange symbol,
// falling back to the raw value when no mapping is configured.
func (m NormalizationMaps) NormalizeSymbol(raw string) string {
	if v, ok := m.SymbolMap[raw]; ok {
		return v
	}
	return raw
}

// NormalizeChannel returns the canonical channel for a raw exchange channel
// name, falling back to the raw value when no mapping is configured.
func (m NormalizationMaps) NormalizeChannel(raw string) string {
	if v, ok := m.ChannelMap[raw]; ok {
		return v
	}
	return raw
}

// symbolMapFile is the on-disk shape of a symbol_map_file: a [symbols]
// table mapping raw exchange symbol to canonical symbol.
type symbolMapFile struct {
	Symbols map[string]string `toml:"symbols"`
}

// LoadSymbolMapFile reads a symbol map TOML file and returns its [symbols]
// table as a new map (empty when the file has no such table); it does not
// merge into any existing NormalizationMaps.
func LoadSymbolMapFile(path string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbol map file '%s': %w", path, err)
	}
	var parsed symbolMapFile
	if err := toml.Unmarshal(content, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse symbol map file '%s': %w", path, err)
	}
	if parsed.Symbols == nil {
		return map[string]string{}, nil
	}
	return parsed.Symbols, nil
}

// FromChannelMap converts a descriptor's loosely-typed channel_map (decoded
// as map[string]any from inline TOML) into a string/string table, skipping
// any non-string values rather than failing the whole load.
func FromChannelMap(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
