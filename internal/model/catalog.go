package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadInstruments reads an instrument catalog from a JSON file: an array of
// Instrument objects as produced by the contract-master export.
func LoadInstruments(path string) ([]*Instrument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var out []*Instrument
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for _, ins := range out {
		if ins.Token <= 0 {
			return nil, fmt.Errorf("catalog %s: instrument %q has no token", path, ins.TradingSymbol)
		}
	}
	return out, nil
}
