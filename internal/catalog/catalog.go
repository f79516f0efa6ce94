// Package catalog is the shared menu model mirrored between cloud and
// edge: tags, categories, products and attributes. The cloud owns the
// authoritative copy and pushes changes down as typed Op values inside
// a CloudMessage Rpc envelope; the edge applies them to its local
// mirror. Applied ops are not republished on the edge's message bus.
package catalog

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// MgRule is a marketing-group discount rule: tenants configure these
// in the cloud console keyed by the member marketing group they apply
// to. An empty ProductID scopes the rule to every product.
type MgRule struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	MarketingGroup string          `json:"marketing_group"`
	ProductID      string          `json:"product_id,omitempty"`
	Percent        decimal.Decimal `json:"percent"`
}

type Category struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	DisplayOrder int      `json:"display_order"`
	TagIDs       []string `json:"tag_ids"`
	AttributeIDs []string `json:"attribute_ids"`
}

type Attribute struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	OptionNames []string `json:"option_names"`
	IsRequired  bool      `json:"is_required"`
}

type Product struct {
	ID           string   `json:"id"`
	CategoryID   string   `json:"category_id"`
	Name         string   `json:"name"`
	PriceCents   int64    `json:"price_cents"`
	TaxRateBps   int32    `json:"tax_rate_bps"` // basis points, e.g. 825 = 8.25%
	ImageHash    string   `json:"image_hash,omitempty"`
	AttributeIDs []string `json:"attribute_ids"`
	Archived     bool     `json:"archived"`
}

// StoreSnapshot is the full-sync payload shape shared by cloud and
// edge. Relations between entities are expressed positionally: a
// product's CategoryIndex is the offset of its category inside
// Categories, and an attribute binding's AttributeIndex is the offset
// inside Attributes. The applier resolves these to real ids as it
// creates each entity in order.
type StoreSnapshot struct {
	Tags       []Tag               `json:"tags"`
	Categories []CategorySnapshot  `json:"categories"`
	Products   []ProductSnapshot   `json:"products"`
	Attributes []AttributeSnapshot `json:"attributes"`
	MgRules    []MgRule            `json:"mg_rules"`
}

type CategorySnapshot struct {
	Category       Category `json:"category"`
	AttributeIndex []int    `json:"attribute_index"`
}

type ProductSnapshot struct {
	CategoryIndex  int      `json:"category_index"`
	Product        Product  `json:"product"`
	AttributeIndex []int    `json:"attribute_index"`
}

type AttributeSnapshot struct {
	Attribute Attribute `json:"attribute"`
}

func NewStoreSnapshot() StoreSnapshot {
	return StoreSnapshot{
		Tags:       []Tag{},
		Categories: []CategorySnapshot{},
		Products:   []ProductSnapshot{},
		Attributes: []AttributeSnapshot{},
		MgRules:    []MgRule{},
	}
}

// OpType discriminates the catalog operations the cloud may push down
// (or an edge may queue up, for the subset it's allowed to originate).
type OpType string

const (
	OpCreateProduct   OpType = "CreateProduct"
	OpUpdateProduct   OpType = "UpdateProduct"
	OpDeleteProduct   OpType = "DeleteProduct"
	OpCreateCategory  OpType = "CreateCategory"
	OpUpdateCategory  OpType = "UpdateCategory"
	OpDeleteCategory  OpType = "DeleteCategory"
	OpCreateTag       OpType = "CreateTag"
	OpUpdateTag       OpType = "UpdateTag"
	OpDeleteTag       OpType = "DeleteTag"
	OpCreateAttribute OpType = "CreateAttribute"
	OpUpdateAttribute OpType = "UpdateAttribute"
	OpDeleteAttribute OpType = "DeleteAttribute"
	OpCreateMgRule    OpType = "CreateMgRule"
	OpUpdateMgRule    OpType = "UpdateMgRule"
	OpDeleteMgRule    OpType = "DeleteMgRule"
	OpEnsureImage     OpType = "EnsureImage"
	OpFullSync        OpType = "FullSync"
)

// Op is a single typed catalog operation, carried inside a CloudMessage
// Rpc payload. Exactly the fields relevant to Type are populated.
type Op struct {
	Type OpType `json:"op"`

	Tag       *Tag       `json:"tag,omitempty"`
	Category  *Category  `json:"category,omitempty"`
	Product   *Product   `json:"product,omitempty"`
	Attribute *Attribute `json:"attribute,omitempty"`
	MgRule    *MgRule    `json:"mg_rule,omitempty"`

	// DeleteID names the entity removed by a Delete* op.
	DeleteID string `json:"delete_id,omitempty"`

	// EnsureImage fields.
	PresignedURL string `json:"presigned_url,omitempty"`
	ImageHash    string `json:"image_hash,omitempty"`

	// FullSync payload.
	Snapshot *StoreSnapshot `json:"snapshot,omitempty"`
}

// Apply folds op into snap in place. FullSync replaces snap wholesale
// after resolving the snapshot's positional indices into concrete
// foreign keys; every other op is a direct upsert/delete by id.
func Apply(snap *StoreSnapshot, op Op) error {
	switch op.Type {
	case OpCreateTag, OpUpdateTag:
		if op.Tag == nil {
			return fmt.Errorf("catalog: %s missing tag payload", op.Type)
		}
		upsertTag(snap, *op.Tag)
	case OpDeleteTag:
		deleteTag(snap, op.DeleteID)

	case OpCreateCategory, OpUpdateCategory:
		if op.Category == nil {
			return fmt.Errorf("catalog: %s missing category payload", op.Type)
		}
		upsertCategory(snap, *op.Category)
	case OpDeleteCategory:
		deleteCategory(snap, op.DeleteID)

	case OpCreateAttribute, OpUpdateAttribute:
		if op.Attribute == nil {
			return fmt.Errorf("catalog: %s missing attribute payload", op.Type)
		}
		upsertAttribute(snap, *op.Attribute)
	case OpDeleteAttribute:
		deleteAttribute(snap, op.DeleteID)

	case OpCreateMgRule, OpUpdateMgRule:
		if op.MgRule == nil {
			return fmt.Errorf("catalog: %s missing mg_rule payload", op.Type)
		}
		upsertMgRule(snap, *op.MgRule)
	case OpDeleteMgRule:
		deleteMgRule(snap, op.DeleteID)

	case OpCreateProduct, OpUpdateProduct:
		if op.Product == nil {
			return fmt.Errorf("catalog: %s missing product payload", op.Type)
		}
		upsertProduct(snap, *op.Product)
	case OpDeleteProduct:
		deleteProduct(snap, op.DeleteID)

	case OpEnsureImage:
		// The catalog snapshot holds no image state, so there is
		// nothing to update; PresignedURL is not downloaded and
		// ImageHash is not checked here.
		return nil

	case OpFullSync:
		if op.Snapshot == nil {
			return fmt.Errorf("catalog: FullSync missing snapshot payload")
		}
		resolved, err := resolveSnapshot(*op.Snapshot)
		if err != nil {
			return err
		}
		*snap = resolved

	default:
		return fmt.Errorf("catalog: unknown op type %q", op.Type)
	}
	return nil
}

func resolveSnapshot(raw StoreSnapshot) (StoreSnapshot, error) {
	out := NewStoreSnapshot()
	out.Tags = append(out.Tags, raw.Tags...)
	out.MgRules = append(out.MgRules, raw.MgRules...)

	attrIDs := make([]string, len(raw.Attributes))
	for i, a := range raw.Attributes {
		attrIDs[i] = a.Attribute.ID
		out.Attributes = append(out.Attributes, a)
	}

	catIDs := make([]string, len(raw.Categories))
	for i, c := range raw.Categories {
		cat := c.Category
		resolvedAttrIDs, err := resolveIndices(attrIDs, c.AttributeIndex)
		if err != nil {
			return StoreSnapshot{}, fmt.Errorf("catalog: resolve category %d attribute bindings: %w", i, err)
		}
		cat.AttributeIDs = resolvedAttrIDs
		catIDs[i] = cat.ID
		out.Categories = append(out.Categories, CategorySnapshot{Category: cat, AttributeIndex: c.AttributeIndex})
	}

	for i, p := range raw.Products {
		prod := p.Product
		if p.CategoryIndex < 0 || p.CategoryIndex >= len(catIDs) {
			return StoreSnapshot{}, fmt.Errorf("catalog: product %d has out-of-range category_index %d", i, p.CategoryIndex)
		}
		prod.CategoryID = catIDs[p.CategoryIndex]
		resolvedAttrIDs, err := resolveIndices(attrIDs, p.AttributeIndex)
		if err != nil {
			return StoreSnapshot{}, fmt.Errorf("catalog: resolve product %d attribute bindings: %w", i, err)
		}
		prod.AttributeIDs = resolvedAttrIDs
		out.Products = append(out.Products, ProductSnapshot{CategoryIndex: p.CategoryIndex, Product: prod, AttributeIndex: p.AttributeIndex})
	}
	return out, nil
}

func resolveIndices(ids []string, indices []int) ([]string, error) {
	resolved := make([]string, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(ids) {
			return nil, fmt.Errorf("catalog: index %d out of range (have %d)", idx, len(ids))
		}
		resolved = append(resolved, ids[idx])
	}
	return resolved, nil
}

func upsertTag(snap *StoreSnapshot, t Tag) {
	for i, existing := range snap.Tags {
		if existing.ID == t.ID {
			snap.Tags[i] = t
			return
		}
	}
	snap.Tags = append(snap.Tags, t)
}

func deleteTag(snap *StoreSnapshot, id string) {
	out := snap.Tags[:0]
	for _, t := range snap.Tags {
		if t.ID != id {
			out = append(out, t)
		}
	}
	snap.Tags = out
}

func upsertMgRule(snap *StoreSnapshot, r MgRule) {
	for i, existing := range snap.MgRules {
		if existing.ID == r.ID {
			snap.MgRules[i] = r
			return
		}
	}
	snap.MgRules = append(snap.MgRules, r)
}

func deleteMgRule(snap *StoreSnapshot, id string) {
	out := snap.MgRules[:0]
	for _, r := range snap.MgRules {
		if r.ID != id {
			out = append(out, r)
		}
	}
	snap.MgRules = out
}

func upsertCategory(snap *StoreSnapshot, c Category) {
	for i, existing := range snap.Categories {
		if existing.Category.ID == c.ID {
			snap.Categories[i].Category = c
			return
		}
	}
	snap.Categories = append(snap.Categories, CategorySnapshot{Category: c})
}

func deleteCategory(snap *StoreSnapshot, id string) {
	out := snap.Categories[:0]
	for _, c := range snap.Categories {
		if c.Category.ID != id {
			out = append(out, c)
		}
	}
	snap.Categories = out
}

func upsertAttribute(snap *StoreSnapshot, a Attribute) {
	for i, existing := range snap.Attributes {
		if existing.Attribute.ID == a.ID {
			snap.Attributes[i].Attribute = a
			return
		}
	}
	snap.Attributes = append(snap.Attributes, AttributeSnapshot{Attribute: a})
}

func deleteAttribute(snap *StoreSnapshot, id string) {
	out := snap.Attributes[:0]
	for _, a := range snap.Attributes {
		if a.Attribute.ID != id {
			out = append(out, a)
		}
	}
	snap.Attributes = out
}

func upsertProduct(snap *StoreSnapshot, p Product) {
	for i, existing := range snap.Products {
		if existing.Product.ID == p.ID {
			snap.Products[i].Product = p
			return
		}
	}
	snap.Products = append(snap.Products, ProductSnapshot{CategoryIndex: -1, Product: p})
}

func deleteProduct(snap *StoreSnapshot, id string) {
	out := snap.Products[:0]
	for _, p := range snap.Products {
		if p.Product.ID != id {
			out = append(out, p)
		}
	}
	snap.Products = out
}
