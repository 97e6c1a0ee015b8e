package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// envRef matches ${NAME} and ${NAME:-fallback}. Bare $NAME is left alone so
// literal dollars in passwords and the $include key survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// treeLoader reads a config file and everything it pulls in via $include.
type treeLoader struct {
	lookupEnv func(string) (string, bool)
	stack     []string
}

// loadTree returns the merged document rooted at path. Included files are
// applied first, in order, so the including file has the last word.
func loadTree(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &treeLoader{lookupEnv: os.LookupEnv}
	return l.load(path)
}

func (l *treeLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, open := range l.stack {
		if open == abs {
			chain := append(append([]string{}, l.stack...), abs)
			return nil, fmt.Errorf("config include cycle: %s", strings.Join(chain, " -> "))
		}
	}
	l.stack = append(l.stack, abs)
	defer func() { l.stack = l.stack[:len(l.stack)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	doc, err := parseDocument(l.expand(data), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	base := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		base = overlay(base, sub)
	}
	return overlay(base, doc), nil
}

func (l *treeLoader) expand(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		if v, ok := l.lookupEnv(string(m[1])); ok && v != "" {
			return []byte(v)
		}
		return m[2]
	})
}

// parseDocument decodes .json/.json5 with json5 and everything else as a
// single YAML document.
func parseDocument(data []byte, ext string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("multiple YAML documents are not supported")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func popIncludes(doc map[string]any) ([]string, error) {
	v, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var list []any
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case string:
		list = []any{typed}
	case []any:
		list = typed
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}
	paths := make([]string, 0, len(list))
	for _, entry := range list {
		p, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, entry)
		}
		if strings.TrimSpace(p) != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// overlay writes top onto base, recursing into nested maps. Lists and
// scalars in top replace whatever base held.
func overlay(base, top map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for key, v := range top {
		sub, isMap := v.(map[string]any)
		prev, prevIsMap := base[key].(map[string]any)
		if isMap && prevIsMap {
			base[key] = overlay(prev, sub)
			continue
		}
		base[key] = v
	}
	return base
}

// decodeTree re-encodes the merged tree and decodes it strictly into Config.
func decodeTree(tree map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
