package declarative

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the YAML/JSON form of a set of resources.
type Document struct {
	Resources []documentResource `yaml:"resources" json:"resources"`
}

type documentResource struct {
	Type       string                 `yaml:"type" json:"type"`
	Name       string                 `yaml:"name" json:"name"`
	Attributes map[string]interface{} `yaml:"attributes" json:"attributes"`
}

// ParseFile parses text according to the extension of file: .yaml, .yml
// and .json are read as documents, anything else as block syntax.
func ParseFile(text, file string) (*ParseResult, error) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		return ParseYAML(text, file)
	case ".json":
		return ParseJSON(text, file)
	default:
		return Parse(text, file)
	}
}

// ParseYAML parses a `resources:` document. Line numbers point at each
// resource entry.
func ParseYAML(text, file string) (*ParseResult, error) {
	if strings.TrimSpace(text) == "" {
		return &ParseResult{Status: StatusEmpty, Resources: []Resource{}}, nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return nil, &ParseError{File: file, Line: 1, Col: 1, Message: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if len(root.Content) == 0 {
		return &ParseResult{Status: StatusEmpty, Resources: []Resource{}}, nil
	}

	doc := root.Content[0]
	list := mappingValue(doc, "resources")
	if list == nil || list.Kind != yaml.SequenceNode {
		return &ParseResult{Status: StatusNoResources, Resources: []Resource{}, Skipped: 1}, nil
	}

	result := &ParseResult{Resources: []Resource{}}
	for _, item := range list.Content {
		var entry documentResource
		if err := item.Decode(&entry); err != nil {
			return nil, &ParseError{File: file, Line: item.Line, Col: item.Column, Message: fmt.Sprintf("invalid resource entry: %v", err)}
		}
		res, ok, err := entry.toResource(file, item.Line, item.Column)
		if err != nil {
			return nil, err
		}
		if !ok {
			result.Skipped++
			continue
		}
		result.Resources = append(result.Resources, res)
	}
	result.Status = statusFor(result.Resources)
	return result, nil
}

// ParseJSON parses the JSON form of a `resources` document.
func ParseJSON(text, file string) (*ParseResult, error) {
	if strings.TrimSpace(text) == "" {
		return &ParseResult{Status: StatusEmpty, Resources: []Resource{}}, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{File: file, Line: 1, Col: 1, Message: fmt.Sprintf("invalid JSON: %v", err)}
	}

	result := &ParseResult{Resources: []Resource{}}
	for _, entry := range doc.Resources {
		res, ok, err := entry.toResource(file, 0, 0)
		if err != nil {
			return nil, err
		}
		if !ok {
			result.Skipped++
			continue
		}
		result.Resources = append(result.Resources, res)
	}
	result.Status = statusFor(result.Resources)
	return result, nil
}

func (e documentResource) toResource(file string, line, col int) (Resource, bool, error) {
	if e.Type == "" || e.Name == "" {
		return Resource{}, false, nil
	}
	attrs := make(map[string]interface{}, len(e.Attributes))
	for k, v := range e.Attributes {
		n := Normalize(v)
		switch t := n.(type) {
		case map[string]interface{}:
			// objects are not part of the value model
			continue
		case []interface{}:
			for _, elem := range t {
				switch elem.(type) {
				case map[string]interface{}, []interface{}:
					return Resource{}, false, &ParseError{
						File:    file,
						Line:    line,
						Col:     col,
						Message: fmt.Sprintf("%s.%s: attribute %q must be a list of scalars", e.Type, e.Name, k),
					}
				}
			}
		}
		attrs[k] = n
	}
	return Resource{Type: e.Type, Name: e.Name, Attributes: attrs, Line: line}, true, nil
}

func statusFor(resources []Resource) ParseStatus {
	if len(resources) == 0 {
		return StatusNoResources
	}
	return StatusOK
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
