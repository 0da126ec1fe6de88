package catalog

// Item is a raw catalog payload. The upstream service renames and drops
// fields between response groups, so items stay loosely typed here and
// get converted to the canonical schema by the normalizer.
type Item map[string]interface{}

// ASIN returns the item's external identifier, trying the known key
// spellings in order.
func (i Item) ASIN() string {
	for _, key := range []string{"asin", "product_id", "sku"} {
		if v, ok := i[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Relationship describes one entry of an item's relationship metadata
type Relationship struct {
	ASIN         string
	RelationTo   string // "parent" or "child"
	RelationType string // e.g. "series"
	Sequence     string
	Sort         string
	Title        string
}

// Relationships extracts the item's relationship entries, tolerating a
// missing or malformed relationships array.
func (i Item) Relationships() []Relationship {
	raw, ok := i["relationships"].([]interface{})
	if !ok {
		return nil
	}

	rels := make([]Relationship, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		rel := Relationship{}
		if v, ok := m["asin"].(string); ok {
			rel.ASIN = v
		}
		if v, ok := m["relationship_to_product"].(string); ok {
			rel.RelationTo = v
		}
		if v, ok := m["relationship_type"].(string); ok {
			rel.RelationType = v
		}
		if v, ok := m["sequence"].(string); ok {
			rel.Sequence = v
		}
		if v, ok := m["sort"].(string); ok {
			rel.Sort = v
		}
		if v, ok := m["title"].(string); ok {
			rel.Title = v
		}
		if rel.ASIN != "" {
			rels = append(rels, rel)
		}
	}
	return rels
}
