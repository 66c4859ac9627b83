// Package world holds the immutable catalog and region graph snapshots that
// every economy operation validates against.
package world

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/R3E-Network/silkroad/internal/domain/trade"
)

// LocalMerchant is the attribution used when no merchant specialty matches.
const LocalMerchant = "local merchant"

// Catalog is the read-only item catalog.
type Catalog struct {
	items []trade.Item
	index map[string]int
}

// NewCatalog indexes items by ID. Duplicate or invalid entries are rejected.
func NewCatalog(items []trade.Item) (*Catalog, error) {
	c := &Catalog{
		items: make([]trade.Item, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	for _, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("catalog: item without id")
		}
		if _, dup := c.index[it.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate item %q", it.ID)
		}
		if it.BasePrice < 0 {
			return nil, fmt.Errorf("catalog: item %q has negative base price", it.ID)
		}
		if !it.Rarity.Valid() {
			return nil, fmt.Errorf("catalog: item %q has unknown rarity %q", it.ID, it.Rarity)
		}
		c.index[it.ID] = len(c.items)
		c.items = append(c.items, it)
	}
	return c, nil
}

// Item looks up an item by ID.
func (c *Catalog) Item(id string) (trade.Item, bool) {
	i, ok := c.index[id]
	if !ok {
		return trade.Item{}, false
	}
	return c.items[i], true
}

// Items returns the catalog in declaration order.
func (c *Catalog) Items() []trade.Item {
	out := make([]trade.Item, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of items.
func (c *Catalog) Len() int { return len(c.items) }

// Graph is the read-only set of travel destinations.
type Graph struct {
	regions []trade.Region
	index   map[string]int
}

// NewGraph indexes regions by slug.
func NewGraph(regions []trade.Region) (*Graph, error) {
	g := &Graph{
		regions: make([]trade.Region, 0, len(regions)),
		index:   make(map[string]int, len(regions)),
	}
	for _, r := range regions {
		if r.Slug == "" {
			return nil, fmt.Errorf("regions: region without slug")
		}
		if _, dup := g.index[r.Slug]; dup {
			return nil, fmt.Errorf("regions: duplicate region %q", r.Slug)
		}
		if !r.RiskLevel.Valid() {
			return nil, fmt.Errorf("regions: region %q has unknown risk level %q", r.Slug, r.RiskLevel)
		}
		for cat, mod := range r.PriceModifiers {
			if mod < 0 {
				return nil, fmt.Errorf("regions: region %q has negative modifier for %q", r.Slug, cat)
			}
		}
		for _, m := range r.Merchants {
			if m.Name == "" {
				return nil, fmt.Errorf("regions: region %q has a merchant without name", r.Slug)
			}
			if len(m.Dialogue) == 0 {
				return nil, fmt.Errorf("regions: merchant %q in %q has no dialogue", m.Name, r.Slug)
			}
		}
		g.index[r.Slug] = len(g.regions)
		g.regions = append(g.regions, r)
	}
	return g, nil
}

// Region looks up a region by slug.
func (g *Graph) Region(slug string) (trade.Region, bool) {
	i, ok := g.index[slug]
	if !ok {
		return trade.Region{}, false
	}
	return g.regions[i], true
}

// HasRegion implements trade.RegionResolver.
func (g *Graph) HasRegion(slug string) bool {
	_, ok := g.index[slug]
	return ok
}

// Regions returns the regions in declaration order.
func (g *Graph) Regions() []trade.Region {
	out := make([]trade.Region, len(g.regions))
	copy(out, g.regions)
	return out
}

// World bundles the catalog, the region graph and the per-difficulty
// starting regions into one snapshot.
type World struct {
	Catalog *Catalog
	Graph   *Graph

	starts map[trade.Difficulty]string
}

// New validates the snapshot. Every difficulty must start in a known region.
func New(catalog *Catalog, graph *Graph, starts map[trade.Difficulty]string) (*World, error) {
	w := &World{Catalog: catalog, Graph: graph, starts: make(map[trade.Difficulty]string)}
	for _, s := range trade.Difficulties() {
		slug := s.Region
		if override, ok := starts[s.Difficulty]; ok && override != "" {
			slug = override
		}
		if !graph.HasRegion(slug) {
			return nil, fmt.Errorf("world: starting region %q for %s is not in the region graph", slug, s.Difficulty)
		}
		w.starts[s.Difficulty] = slug
	}
	return w, nil
}

// StartingRegion returns the region a new game of difficulty d begins in.
func (w *World) StartingRegion(d trade.Difficulty) string {
	return w.starts[d]
}

// Difficulties returns the difficulty table with regions bound to this world.
func (w *World) Difficulties() []trade.DifficultySettings {
	out := trade.Difficulties()
	for i := range out {
		out[i].Region = w.starts[out[i].Difficulty]
	}
	return out
}

// EffectivePrice is the base price times the region's category modifier,
// rounded down. A tiny epsilon absorbs binary float error so 500*0.7 is 350.
func EffectivePrice(item trade.Item, region trade.Region) int64 {
	v := float64(item.BasePrice) * region.Modifier(item.Category)
	return int64(math.Floor(v + 1e-9))
}

// AttributeMerchant returns the first merchant whose specialty contains the
// item name or category, ignoring case. Empty names and categories match
// nothing.
func AttributeMerchant(item trade.Item, region trade.Region) (trade.Merchant, bool) {
	name := strings.ToLower(item.Name)
	category := strings.ToLower(item.Category)
	for _, m := range region.Merchants {
		specialty := strings.ToLower(m.Specialty)
		if (name != "" && strings.Contains(specialty, name)) ||
			(category != "" && strings.Contains(specialty, category)) {
			return m, true
		}
	}
	return trade.Merchant{}, false
}

// MerchantName is AttributeMerchant reduced to a display label.
func MerchantName(item trade.Item, region trade.Region) string {
	if m, ok := AttributeMerchant(item, region); ok {
		return m.Name
	}
	return LocalMerchant
}

// FindMerchant resolves a merchant of a region by case-insensitive name.
func FindMerchant(region trade.Region, name string) (trade.Merchant, bool) {
	for _, m := range region.Merchants {
		if strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	return trade.Merchant{}, false
}

// Offer is one purchasable item in a market listing.
type Offer struct {
	Item  trade.Item `json:"item"`
	Price int64      `json:"price"`
}

// Stall groups the offers of one merchant.
type Stall struct {
	Merchant string  `json:"merchant"`
	Title    string  `json:"title,omitempty"`
	Offers   []Offer `json:"offers"`
}

// Market lists what each merchant of a region sells. An item matches a
// merchant when any comma-separated specialty term is contained in its
// name, category or description. Items no merchant carries are listed
// under the local merchant.
func (w *World) Market(slug string) ([]Stall, error) {
	region, ok := w.Graph.Region(slug)
	if !ok {
		return nil, fmt.Errorf("%w: %q", trade.ErrUnknownRegion, slug)
	}

	carried := make(map[string]bool)
	stalls := make([]Stall, 0, len(region.Merchants)+1)
	for _, m := range region.Merchants {
		stall := Stall{Merchant: m.Name, Title: m.Title}
		terms := m.SpecialtyTerms()
		for _, it := range w.Catalog.items {
			if matchesAny(it, terms) {
				stall.Offers = append(stall.Offers, Offer{Item: it, Price: EffectivePrice(it, region)})
				carried[it.ID] = true
			}
		}
		stalls = append(stalls, stall)
	}

	var rest []Offer
	for _, it := range w.Catalog.items {
		if !carried[it.ID] {
			rest = append(rest, Offer{Item: it, Price: EffectivePrice(it, region)})
		}
	}
	if len(rest) > 0 {
		sort.SliceStable(rest, func(i, j int) bool { return rest[i].Price < rest[j].Price })
		stalls = append(stalls, Stall{Merchant: LocalMerchant, Offers: rest})
	}
	return stalls, nil
}

func matchesAny(it trade.Item, terms []string) bool {
	name := strings.ToLower(it.Name)
	category := strings.ToLower(it.Category)
	desc := strings.ToLower(it.Description)
	for _, t := range terms {
		if strings.Contains(name, t) || strings.Contains(category, t) || strings.Contains(desc, t) {
			return true
		}
	}
	return false
}
