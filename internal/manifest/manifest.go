// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package manifest edits and decodes the plugin's Kubernetes manifests.
//
// Rewrites are structural: only the image and imagePullPolicy fields of
// containers inside pod templates are considered, so the same strings found
// in comments, annotations or args are left alone.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
)

var (
	ErrReadManifest   = errors.New("failed to read manifest")
	ErrParseManifest  = errors.New("failed to parse manifest")
	ErrWriteManifest  = errors.New("failed to write manifest")
	ErrDecodeManifest = errors.New("failed to decode manifest objects")
)

const (
	// DefaultImage is the image reference the upstream manifests ship with.
	DefaultImage = "opene/joviandss-csi:latest"

	pullAlways       = "Always"
	pullIfNotPresent = "IfNotPresent"
)

// Options describes a rewrite.
type Options struct {
	// ImageFrom is replaced by ImageTo wherever a container uses it exactly.
	ImageFrom string
	ImageTo   string
}

// ForTag pins DefaultImage to the locally loaded tag.
func ForTag(image, tag string) Options {
	return Options{ImageFrom: DefaultImage, ImageTo: fmt.Sprintf("%s:%s", image, tag)}
}

// RewriteFile rewrites path in place and returns the number of changed
// fields. The file is only written when something changed.
func RewriteFile(path string, opts Options) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Join(err, fmt.Errorf("path=%s", path), ErrReadManifest)
	}

	out, changed, err := Rewrite(data, opts)
	if err != nil {
		return 0, errors.Join(err, fmt.Errorf("path=%s", path))
	}
	if changed == 0 {
		return 0, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Join(err, fmt.Errorf("path=%s", path), ErrWriteManifest)
	}
	if err := os.WriteFile(path, out, info.Mode().Perm()); err != nil {
		return 0, errors.Join(err, fmt.Errorf("path=%s", path), ErrWriteManifest)
	}
	return changed, nil
}

// Rewrite applies opts to every document of a multi-document YAML stream:
// imagePullPolicy Always becomes IfNotPresent, and ImageFrom becomes ImageTo.
func Rewrite(data []byte, opts Options) ([]byte, int, error) {
	docs, err := parseDocuments(data)
	if err != nil {
		return nil, 0, err
	}

	changed := 0
	for _, doc := range docs {
		for _, spec := range podSpecs(root(doc)) {
			changed += rewritePodSpec(spec, opts)
		}
	}
	if changed == 0 {
		return data, 0, nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return nil, 0, errors.Join(err, ErrWriteManifest)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, 0, errors.Join(err, ErrWriteManifest)
	}
	return buf.Bytes(), changed, nil
}

// Decode returns the objects of a multi-document YAML or JSON stream.
func Decode(data []byte) ([]*unstructured.Unstructured, error) {
	dec := utilyaml.NewYAMLOrJSONDecoder(bytes.NewReader(data), 4096)

	var out []*unstructured.Unstructured
	for {
		obj := map[string]any{}
		if err := dec.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, errors.Join(err, ErrDecodeManifest)
		}
		if len(obj) == 0 {
			continue
		}
		u := &unstructured.Unstructured{Object: obj}
		if u.GetKind() == "" {
			return nil, errors.Join(fmt.Errorf("object without kind"), ErrDecodeManifest)
		}
		out = append(out, u)
	}
}

// DecodeFile reads and decodes path.
func DecodeFile(path string) ([]*unstructured.Unstructured, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), ErrReadManifest)
	}
	objs, err := Decode(data)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", path))
	}
	return objs, nil
}

func parseDocuments(data []byte) ([]*yaml.Node, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []*yaml.Node
	for {
		doc := &yaml.Node{}
		if err := dec.Decode(doc); err != nil {
			if errors.Is(err, io.EOF) {
				return docs, nil
			}
			return nil, errors.Join(err, ErrParseManifest)
		}
		if doc.Kind == 0 || len(doc.Content) == 0 {
			continue
		}
		docs = append(docs, doc)
	}
}

func root(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0]
	}
	return doc
}

// podSpecs returns the pod specs an object carries.
func podSpecs(obj *yaml.Node) []*yaml.Node {
	if obj == nil || obj.Kind != yaml.MappingNode {
		return nil
	}

	switch scalar(lookup(obj, "kind")) {
	case "List":
		var out []*yaml.Node
		if items := lookup(obj, "items"); items != nil && items.Kind == yaml.SequenceNode {
			for _, item := range items.Content {
				out = append(out, podSpecs(item)...)
			}
		}
		return out
	case "Pod":
		return nonNil(lookup(obj, "spec"))
	case "CronJob":
		return nonNil(lookup(obj, "spec", "jobTemplate", "spec", "template", "spec"))
	default:
		return nonNil(lookup(obj, "spec", "template", "spec"))
	}
}

func rewritePodSpec(spec *yaml.Node, opts Options) int {
	changed := 0
	for _, key := range []string{"initContainers", "containers", "ephemeralContainers"} {
		list := lookup(spec, key)
		if list == nil || list.Kind != yaml.SequenceNode {
			continue
		}
		for _, c := range list.Content {
			if policy := lookup(c, "imagePullPolicy"); isScalar(policy, pullAlways) {
				policy.Value = pullIfNotPresent
				changed++
			}
			if opts.ImageFrom == "" {
				continue
			}
			if image := lookup(c, "image"); isScalar(image, opts.ImageFrom) {
				image.Value = opts.ImageTo
				changed++
			}
		}
	}
	return changed
}

// lookup walks a path of mapping keys.
func lookup(n *yaml.Node, path ...string) *yaml.Node {
	for _, key := range path {
		if n == nil || n.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				next = n.Content[i+1]
				break
			}
		}
		n = next
	}
	return n
}

func scalar(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return n.Value
}

func isScalar(n *yaml.Node, value string) bool {
	return n != nil && n.Kind == yaml.ScalarNode && n.Value == value
}

func nonNil(n *yaml.Node) []*yaml.Node {
	if n == nil {
		return nil
	}
	return []*yaml.Node{n}
}
