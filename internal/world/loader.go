package world

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/silkroad/internal/domain/trade"
)

//go:embed data/world.yaml
var defaultWorld []byte

// File is the on-disk layout of a world definition.
type File struct {
	Items           []trade.Item                `yaml:"items"`
	Regions         []trade.Region              `yaml:"regions"`
	StartingRegions map[trade.Difficulty]string `yaml:"starting_regions"`
}

// Load reads a world from path, or the embedded default when path is empty.
func Load(path string) (*World, error) {
	if path == "" {
		return Parse(defaultWorld)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read world file: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded world. It panics only if the embedded file
// is broken, which tests guard against.
func Default() *World {
	w, err := Parse(defaultWorld)
	if err != nil {
		panic(fmt.Sprintf("world: embedded definition invalid: %v", err))
	}
	return w
}

// Parse decodes and validates a YAML world definition.
func Parse(data []byte) (*World, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse world file: %w", err)
	}
	if len(f.Items) == 0 {
		return nil, fmt.Errorf("world: no items defined")
	}
	if len(f.Regions) == 0 {
		return nil, fmt.Errorf("world: no regions defined")
	}

	catalog, err := NewCatalog(f.Items)
	if err != nil {
		return nil, err
	}
	graph, err := NewGraph(f.Regions)
	if err != nil {
		return nil, err
	}
	return New(catalog, graph, f.StartingRegions)
}
