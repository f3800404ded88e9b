// Network descriptor (Caffe prototxt) scanning and layer-level surgery
package model

import (
	"fmt"
	"strings"
)

// Layer is one top-level layer block of a network descriptor
type Layer struct {
	Name    string
	Type    string
	Tops    []string
	Bottoms []string

	// Fields holds every scalar field inside the block keyed by its dotted path,
	// e.g. "convolution_param.num_output"
	Fields map[string][]string

	start, end int
}

// Field returns the first value recorded for a dotted field path
func (l Layer) Field(path string) (string, bool) {
	values := l.Fields[path]
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Descriptor is a parsed network descriptor that keeps its source text so
// layers can be cut out without re-serializing the graph
type Descriptor struct {
	Name   string
	Layers []Layer

	src   []byte
	index map[string]int
}

// ParseDescriptor scans prototxt text into its layer blocks
func ParseDescriptor(src []byte) (*Descriptor, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}

	d := &Descriptor{src: src, index: make(map[string]int)}

	for i := 0; i < len(toks); {
		tok := toks[i]
		switch {
		case tok.kind == tokWord && (tok.text == "layer" || tok.text == "layers") && blockOpens(toks, i+1):
			layer, next, err := parseLayer(toks, i)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
			}
			if layer.Name == "" {
				return nil, fmt.Errorf("%w: layer at offset %d has no name", ErrArtifactCorrupt, layer.start)
			}
			if _, dup := d.index[layer.Name]; dup {
				return nil, fmt.Errorf("%w: duplicate layer %q", ErrArtifactCorrupt, layer.Name)
			}
			d.index[layer.Name] = len(d.Layers)
			d.Layers = append(d.Layers, layer)
			i = next
		case tok.kind == tokWord && tok.text == "name" && i+2 < len(toks) && toks[i+1].kind == tokColon:
			d.Name = toks[i+2].text
			i += 3
		case tok.kind == tokOpen:
			next, err := skipBlock(toks, i)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
			}
			i = next
		case tok.kind == tokClose:
			return nil, fmt.Errorf("%w: unbalanced '}' at offset %d", ErrArtifactCorrupt, tok.start)
		default:
			i++
		}
	}

	if len(d.Layers) == 0 {
		return nil, fmt.Errorf("%w: descriptor declares no layers", ErrArtifactCorrupt)
	}
	return d, nil
}

// Layer looks a layer up by name
func (d *Descriptor) Layer(name string) (Layer, bool) {
	i, ok := d.index[name]
	if !ok {
		return Layer{}, false
	}
	return d.Layers[i], true
}

// Consumers returns the layers that read the given blob, in declaration order
func (d *Descriptor) Consumers(blob string) []Layer {
	var out []Layer
	for _, l := range d.Layers {
		if contains(l.Bottoms, blob) {
			out = append(out, l)
		}
	}
	return out
}

// Producer returns the last layer declared before the named layer that
// writes the given blob
func (d *Descriptor) Producer(blob, before string) (Layer, bool) {
	limit := len(d.Layers)
	if i, ok := d.index[before]; ok {
		limit = i
	}
	for i := limit - 1; i >= 0; i-- {
		if contains(d.Layers[i].Tops, blob) {
			return d.Layers[i], true
		}
	}
	return Layer{}, false
}

// Without returns descriptor text with the named layers removed along with
// every layer that transitively consumes their outputs
func (d *Descriptor) Without(names ...string) ([]byte, error) {
	drop := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := d.index[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, name)
		}
		drop[name] = true
	}

	dead := make(map[string]bool)
	for _, l := range d.Layers {
		if !drop[l.Name] {
			for _, b := range l.Bottoms {
				if dead[b] {
					drop[l.Name] = true
					break
				}
			}
		}
		if drop[l.Name] {
			for _, t := range l.Tops {
				// in-place layers keep their input blob alive
				if !contains(l.Bottoms, t) {
					dead[t] = true
				}
			}
		}
	}

	var b strings.Builder
	b.Grow(len(d.src))
	cursor := 0
	for _, l := range d.Layers {
		if !drop[l.Name] {
			continue
		}
		b.Write(d.src[cursor:l.start])
		cursor = l.end
	}
	b.Write(d.src[cursor:])
	return []byte(b.String()), nil
}

func parseLayer(toks []token, i int) (Layer, int, error) {
	layer := Layer{start: toks[i].start, Fields: make(map[string][]string)}

	// skip "layer" and an optional ':'
	i++
	if toks[i].kind == tokColon {
		i++
	}
	i++ // '{'

	var path []string
	for i < len(toks) {
		tok := toks[i]
		switch {
		case tok.kind == tokClose:
			if len(path) == 0 {
				layer.end = tok.end
				return layer, i + 1, nil
			}
			path = path[:len(path)-1]
			i++
		case tok.kind == tokWord && blockOpens(toks, i+1):
			path = append(path, tok.text)
			i++
			if toks[i].kind == tokColon {
				i++
			}
			i++
		case tok.kind == tokWord && i+2 < len(toks) && toks[i+1].kind == tokColon &&
			(toks[i+2].kind == tokWord || toks[i+2].kind == tokString):
			value := toks[i+2].text
			key := strings.Join(append(append([]string(nil), path...), tok.text), ".")
			layer.Fields[key] = append(layer.Fields[key], value)
			if len(path) == 0 {
				switch tok.text {
				case "name":
					layer.Name = value
				case "type":
					layer.Type = value
				case "top":
					layer.Tops = append(layer.Tops, value)
				case "bottom":
					layer.Bottoms = append(layer.Bottoms, value)
				}
			}
			i += 3
		case tok.kind == tokOpen:
			path = append(path, "")
			i++
		default:
			i++
		}
	}
	return layer, i, fmt.Errorf("layer at offset %d is not closed", layer.start)
}

func skipBlock(toks []token, i int) (int, error) {
	depth := 0
	for ; i < len(toks); i++ {
		switch toks[i].kind {
		case tokOpen:
			depth++
		case tokClose:
			depth--
			if depth == 0 {
				return i + 1, nil
			}
		}
	}
	return i, fmt.Errorf("block is not closed")
}

// blockOpens reports whether toks[i:] starts with '{' or ': {'
func blockOpens(toks []token, i int) bool {
	if i < len(toks) && toks[i].kind == tokColon {
		i++
	}
	return i < len(toks) && toks[i].kind == tokOpen
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type tokKind int

const (
	tokWord tokKind = iota
	tokString
	tokOpen
	tokClose
	tokColon
)

type token struct {
	kind       tokKind
	text       string
	start, end int
}

// lex splits protobuf text format into tokens, dropping comments
func lex(src []byte) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ',' || c == ';':
			i++
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '{':
			toks = append(toks, token{kind: tokOpen, text: "{", start: i, end: i + 1})
			i++
		case c == '}':
			toks = append(toks, token{kind: tokClose, text: "}", start: i, end: i + 1})
			i++
		case c == ':':
			toks = append(toks, token{kind: tokColon, text: ":", start: i, end: i + 1})
			i++
		case c == '"' || c == '\'':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(src) {
				if src[i] == '\\' && i+1 < len(src) {
					b.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == c {
					closed = true
					i++
					break
				}
				b.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			toks = append(toks, token{kind: tokString, text: b.String(), start: start, end: i})
		default:
			start := i
			for i < len(src) && !strings.ContainsRune(" \t\r\n{}:#\"',;", rune(src[i])) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: string(src[start:i]), start: start, end: i})
		}
	}
	return toks, nil
}
