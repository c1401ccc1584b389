package catalog

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"relquery/internal/sqltype"
)

type fileDocument struct {
	Entities []fileEntity `yaml:"entities"`
}

type fileEntity struct {
	Name          string           `yaml:"name"`
	Schema        string           `yaml:"schema"`
	Table         string           `yaml:"table"`
	Base          string           `yaml:"base"`
	Abstract      bool             `yaml:"abstract"`
	Key           []string         `yaml:"key"`
	Discriminator *fileDiscrim     `yaml:"discriminator"`
	Properties    []fileProperty   `yaml:"properties"`
	Navigations   []fileNavigation `yaml:"navigations"`
}

type fileDiscrim struct {
	Property string `yaml:"property"`
	Value    any    `yaml:"value"`
}

type fileProperty struct {
	Name     string `yaml:"name"`
	Column   string `yaml:"column"`
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable"`
}

type fileNavigation struct {
	Name       string   `yaml:"name"`
	Target     string   `yaml:"target"`
	Collection bool     `yaml:"collection"`
	Source     []string `yaml:"source"`
	TargetKey  []string `yaml:"target_key"`
	Inverse    string   `yaml:"inverse"`
}

// LoadFile reads a YAML catalog document from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Catalog, error) {
	var doc fileDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	types := make([]*EntityType, 0, len(doc.Entities))
	for _, fe := range doc.Entities {
		et := &EntityType{
			Name:       fe.Name,
			Schema:     fe.Schema,
			Table:      fe.Table,
			BaseType:   fe.Base,
			Abstract:   fe.Abstract,
			PrimaryKey: fe.Key,
		}
		if fe.Base == "" && et.Table == "" {
			et.Table = fe.Name
		}
		if fe.Discriminator != nil {
			et.DiscriminatorProperty = fe.Discriminator.Property
			et.DiscriminatorValue = fe.Discriminator.Value
		}
		for _, fp := range fe.Properties {
			kind, err := sqltype.ParseKind(fp.Type)
			if err != nil {
				return nil, fmt.Errorf("entity %s property %s: %w", fe.Name, fp.Name, err)
			}
			if kind == sqltype.KindUnknown {
				kind = sqltype.KindString
			}
			et.Properties = append(et.Properties, &Property{
				Name:     fp.Name,
				Column:   fp.Column,
				Kind:     kind,
				Nullable: fp.Nullable,
			})
		}
		for _, fn := range fe.Navigations {
			et.Navigations = append(et.Navigations, &Navigation{
				Name:             fn.Name,
				Target:           fn.Target,
				IsCollection:     fn.Collection,
				SourceProperties: fn.Source,
				TargetProperties: fn.TargetKey,
				Inverse:          fn.Inverse,
			})
		}
		types = append(types, et)
	}
	return New(types...)
}
