package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/loyalty-engine/ledger"
	"gopkg.in/yaml.v3"
)

// CatalogFile is the seed file layout:
//
//	rewards:
//	  - id: voucher-55
//	    name: 5 EUR voucher
//	    points_cost: 55
//	    category: voucher
//	  - id: tote-bag
//	    name: Panda tote bag
//	    points_cost: 400
//	    stock: 25
//	    category: merchandise
type CatalogFile struct {
	Rewards []Row `yaml:"rewards" json:"rewards"`
}

// Format of a catalog document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseCatalog decodes a catalog document and validates every reward.
func ParseCatalog(data []byte, format Format) ([]ledger.Reward, error) {
	var file CatalogFile
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown catalog format %q", format)
	}

	rewards, err := RewardsFromRows(file.Rewards)
	if err != nil {
		return nil, err
	}
	seen := make(map[ledger.RewardID]bool, len(rewards))
	for _, r := range rewards {
		if seen[r.ID] {
			return nil, &RowError{Kind: "reward", Field: "id", Reason: fmt.Sprintf("duplicate id %q", r.ID)}
		}
		seen[r.ID] = true
	}
	return rewards, nil
}

// LoadCatalog reads a seed file; the extension picks the format.
func LoadCatalog(path string) ([]ledger.Reward, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return ParseCatalog(data, format)
}

// SeedCatalog upserts every reward.
func SeedCatalog(ctx context.Context, store ledger.CatalogStore, rewards []ledger.Reward) error {
	for _, r := range rewards {
		if err := store.SaveReward(ctx, r); err != nil {
			return fmt.Errorf("seed reward %s: %w", r.ID, err)
		}
	}
	return nil
}
