package adapter

import (
	"encoding/xml"
	"strings"

	"github.com/scrypster/entbridge/pkg/types"
)

// edmx mirrors the parts of an OData v2 $metadata document the adapter
// reads. Attribute tags without a namespace match sap: annotations by local
// name.
type edmx struct {
	DataServices struct {
		Schemas []edmSchema `xml:"Schema"`
	} `xml:"DataServices"`
}

type edmSchema struct {
	Namespace   string          `xml:"Namespace,attr"`
	EntityTypes []edmEntityType `xml:"EntityType"`
	Containers  []struct {
		EntitySets []edmEntitySet `xml:"EntitySet"`
	} `xml:"EntityContainer"`
}

type edmEntitySet struct {
	Name       string `xml:"Name,attr"`
	EntityType string `xml:"EntityType,attr"`
	Label      string `xml:"label,attr"`
}

type edmEntityType struct {
	Name  string `xml:"Name,attr"`
	Label string `xml:"label,attr"`
	Key   struct {
		Refs []struct {
			Name string `xml:"Name,attr"`
		} `xml:"PropertyRef"`
	} `xml:"Key"`
	Properties []edmProperty `xml:"Property"`
	Navigation []struct {
		Name         string `xml:"Name,attr"`
		Relationship string `xml:"Relationship,attr"`
		ToRole       string `xml:"ToRole,attr"`
	} `xml:"NavigationProperty"`
}

type edmProperty struct {
	Name       string `xml:"Name,attr"`
	Type       string `xml:"Type,attr"`
	Nullable   string `xml:"Nullable,attr"`
	Label      string `xml:"label,attr"`
	QuickInfo  string `xml:"quickinfo,attr"`
	Filterable string `xml:"filterable,attr"`
	Sortable   string `xml:"sortable,attr"`
	Updatable  string `xml:"updatable,attr"`
	Creatable  string `xml:"creatable,attr"`
}

// parseMetadata decodes an EDMX document.
func parseMetadata(data []byte) (*edmx, error) {
	var doc edmx
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, types.WrapError(types.KindBackend, err, "parse $metadata document")
	}
	return &doc, nil
}

// entitySets returns every entity set in the document.
func (d *edmx) entitySets() []edmEntitySet {
	var out []edmEntitySet
	for _, s := range d.DataServices.Schemas {
		for _, c := range s.Containers {
			out = append(out, c.EntitySets...)
		}
	}
	return out
}

// describe builds the descriptor for an entity set, matched
// case-insensitively.
func (d *edmx) describe(set string) (*types.EntityDescriptor, bool) {
	var es *edmEntitySet
	sets := d.entitySets()
	for i := range sets {
		if strings.EqualFold(sets[i].Name, set) {
			es = &sets[i]
			break
		}
	}
	if es == nil {
		return nil, false
	}

	typeName := es.EntityType
	if i := strings.LastIndex(typeName, "."); i >= 0 {
		typeName = typeName[i+1:]
	}
	var et *edmEntityType
	for si := range d.DataServices.Schemas {
		for ti := range d.DataServices.Schemas[si].EntityTypes {
			if d.DataServices.Schemas[si].EntityTypes[ti].Name == typeName {
				et = &d.DataServices.Schemas[si].EntityTypes[ti]
			}
		}
	}
	if et == nil {
		return nil, false
	}

	desc := &types.EntityDescriptor{
		Name:       es.Name,
		Label:      firstNonEmpty(es.Label, et.Label, es.Name),
		NativeName: es.EntityType,
	}
	if len(et.Key.Refs) > 0 {
		desc.KeyField = et.Key.Refs[0].Name
	}
	for _, p := range et.Properties {
		desc.Fields = append(desc.Fields, types.FieldDescriptor{
			Name:        p.Name,
			Label:       firstNonEmpty(p.Label, p.Name),
			Type:        edmFieldType(p.Type),
			NativeType:  p.Type,
			Nullable:    p.Nullable != "false",
			Filterable:  p.Filterable != "false" && p.Type != "Edm.Binary",
			Sortable:    p.Sortable != "false" && p.Type != "Edm.Binary",
			ReadOnly:    p.Updatable == "false" && p.Creatable == "false",
			Required:    p.Nullable == "false",
			Description: p.QuickInfo,
		})
	}
	for _, n := range et.Navigation {
		desc.Fields = append(desc.Fields, types.FieldDescriptor{
			Name:        n.Name,
			Label:       n.Name,
			Type:        types.FieldReference,
			NativeType:  "NavigationProperty",
			Nullable:    true,
			ReadOnly:    true,
			ReferenceTo: []string{n.ToRole},
		})
	}
	return desc, true
}

func edmFieldType(t string) types.FieldType {
	switch t {
	case "Edm.Int16", "Edm.Int32", "Edm.Int64", "Edm.Decimal", "Edm.Double", "Edm.Single", "Edm.Byte", "Edm.SByte":
		return types.FieldNumber
	case "Edm.Boolean":
		return types.FieldBoolean
	case "Edm.DateTime", "Edm.DateTimeOffset":
		return types.FieldDate
	default:
		return types.FieldString
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
