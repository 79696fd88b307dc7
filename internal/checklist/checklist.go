package checklist

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"inspectline/internal/domain"
)

//go:embed builtin.yml
var builtinYAML []byte

var (
	ErrDuplicateItem = errors.New("duplicate checklist item id")
	ErrUnknownType   = errors.New("unknown checklist type")
)

// Ref locates an item inside its checklist.
type Ref struct {
	Category domain.ChecklistCategory
	Item     domain.ChecklistItem
}

// Validate checks the structural invariants of a definition.
func Validate(c domain.Checklist) error {
	if strings.TrimSpace(c.Type) == "" {
		return errors.New("checklist type is required")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("checklist %s has no categories", c.Type)
	}
	seen := make(map[string]struct{}, c.TotalItems())
	cats := make(map[string]struct{}, len(c.Categories))
	for _, cat := range c.Categories {
		if strings.TrimSpace(cat.ID) == "" {
			return fmt.Errorf("checklist %s has a category without id", c.Type)
		}
		if _, ok := cats[cat.ID]; ok {
			return fmt.Errorf("checklist %s: duplicate category id %s", c.Type, cat.ID)
		}
		cats[cat.ID] = struct{}{}
		if len(cat.Items) == 0 {
			return fmt.Errorf("checklist %s: category %s has no items", c.Type, cat.ID)
		}
		for _, it := range cat.Items {
			if strings.TrimSpace(it.ID) == "" {
				return fmt.Errorf("checklist %s: category %s has an item without id", c.Type, cat.ID)
			}
			if _, ok := seen[it.ID]; ok {
				return fmt.Errorf("checklist %s: %w %s", c.Type, ErrDuplicateItem, it.ID)
			}
			seen[it.ID] = struct{}{}
		}
	}
	return nil
}

// Index maps item ids to their category and definition.
func Index(c domain.Checklist) map[string]Ref {
	idx := make(map[string]Ref, c.TotalItems())
	for _, cat := range c.Categories {
		for _, it := range cat.Items {
			idx[it.ID] = Ref{Category: cat, Item: it}
		}
	}
	return idx
}

// Catalog holds the checklist definitions available to a site, keyed by type.
type Catalog struct {
	byType map[string]domain.Checklist
}

// NewCatalog validates every definition; later definitions replace earlier ones of the same type.
func NewCatalog(defs ...domain.Checklist) (Catalog, error) {
	c := Catalog{byType: make(map[string]domain.Checklist, len(defs))}
	for _, d := range defs {
		if err := Validate(d); err != nil {
			return Catalog{}, err
		}
		c.byType[d.Type] = d
	}
	return c, nil
}

// Builtin returns the definitions shipped with inspectline.
func Builtin() ([]domain.Checklist, error) {
	var doc struct {
		Checklists []domain.Checklist `yaml:"checklists"`
	}
	if err := yaml.Unmarshal(builtinYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse builtin checklists: %w", err)
	}
	return doc.Checklists, nil
}

// LoadCatalog merges the built-in definitions with site overrides.
func LoadCatalog(overrides []domain.Checklist) (Catalog, error) {
	defs, err := Builtin()
	if err != nil {
		return Catalog{}, err
	}
	return NewCatalog(append(defs, overrides...)...)
}

func (c Catalog) Get(checklistType string) (domain.Checklist, error) {
	d, ok := c.byType[checklistType]
	if !ok {
		return domain.Checklist{}, fmt.Errorf("%w %q", ErrUnknownType, checklistType)
	}
	return d, nil
}

// List returns definitions sorted by type.
func (c Catalog) List() []domain.Checklist {
	out := make([]domain.Checklist, 0, len(c.byType))
	for _, d := range c.byType {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
