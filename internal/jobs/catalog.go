package jobs

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.yaml
var builtinSchemas embed.FS

// Catalog holds the known scenario schemas and picks one for a request.
type Catalog struct {
	mu            sync.RWMutex
	schemas       map[string]Schema
	keywordRegex  map[string][]*regexp.Regexp // compiled \bkeyword\b by schema ID
	compiledRegex map[string]*regexp.Regexp   // trigger pattern by schema ID
	logger        *slog.Logger
}

func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		schemas:       make(map[string]Schema),
		keywordRegex:  make(map[string][]*regexp.Regexp),
		compiledRegex: make(map[string]*regexp.Regexp),
		logger:        logger,
	}
}

// LoadCatalog returns a catalog with the built-in scenarios plus any found
// in dir. Schemas in dir replace built-ins with the same ID.
func LoadCatalog(dir string, logger *slog.Logger) (*Catalog, error) {
	c := NewCatalog(logger)
	if err := c.RegisterBuiltins(); err != nil {
		return nil, err
	}
	if dir != "" {
		if _, err := c.LoadFromDirectory(dir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ParseSchema decodes and checks one YAML schema document.
func ParseSchema(data []byte) (Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("parse schema: %w", err)
	}
	for i := range s.Fields {
		s.Fields[i].Default = normalize(s.Fields[i].Default)
		for j, e := range s.Fields[i].Enum {
			s.Fields[i].Enum[j] = normalize(e)
		}
	}
	if err := checkSchema(s); err != nil {
		return Schema{}, err
	}
	return s, nil
}

func checkSchema(s Schema) error {
	if s.ID == "" {
		return fmt.Errorf("schema has no id")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: field without name", s.ID)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field %s", s.ID, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.valid() {
			return fmt.Errorf("schema %s: field %s has unknown type %q", s.ID, f.Name, f.Type)
		}
		if f.Items != "" && !f.Items.valid() {
			return fmt.Errorf("schema %s: field %s has unknown item type %q", s.ID, f.Name, f.Items)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("schema %s: field %s has min > max", s.ID, f.Name)
		}
		if f.Default != nil {
			if problem := checkValue(f, f.Default); problem != "" {
				return fmt.Errorf("schema %s: default of %s: %s", s.ID, f.Name, problem)
			}
		}
	}
	return nil
}

// RegisterBuiltins loads the scenarios embedded in the binary.
func (c *Catalog) RegisterBuiltins() error {
	return fs.WalkDir(builtinSchemas, "schemas", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := builtinSchemas.ReadFile(path)
		if err != nil {
			return err
		}
		s, err := ParseSchema(data)
		if err != nil {
			return fmt.Errorf("builtin %s: %w", path, err)
		}
		return c.Register(s)
	})
}

// LoadFromDirectory registers every .yaml/.yml schema in dir. A missing
// directory is not an error; unparseable files are skipped with a warning.
func (c *Catalog) LoadFromDirectory(dir string) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		c.logger.Debug("schema directory does not exist, skipping", "dir", dir)
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read schema dir: %w", err)
	}

	n := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("cannot read schema file", "path", path, "err", err)
			continue
		}
		s, err := ParseSchema(data)
		if err != nil {
			c.logger.Warn("cannot parse schema file", "path", path, "err", err)
			continue
		}
		if err := c.Register(s); err != nil {
			c.logger.Warn("cannot register schema", "path", path, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

// Register adds or replaces a schema and pre-compiles its trigger.
func (c *Catalog) Register(s Schema) error {
	if err := checkSchema(s); err != nil {
		return err
	}

	kws := make([]*regexp.Regexp, 0, len(s.Trigger.Keywords))
	for _, kw := range s.Trigger.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		kws = append(kws, regexp.MustCompile(`\b`+regexp.QuoteMeta(kw)+`\b`))
	}

	var pattern *regexp.Regexp
	if s.Trigger.Pattern != "" {
		re, err := regexp.Compile(s.Trigger.Pattern)
		if err != nil {
			return fmt.Errorf("schema %s: invalid trigger pattern: %w", s.ID, err)
		}
		pattern = re
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.schemas[s.ID]; ok {
		c.logger.Info("schema updated", "schema", s.ID)
	}
	c.schemas[s.ID] = s
	c.keywordRegex[s.ID] = kws
	if pattern != nil {
		c.compiledRegex[s.ID] = pattern
	} else {
		delete(c.compiledRegex, s.ID)
	}
	return nil
}

func (c *Catalog) Get(id string) (Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[id]
	return s, ok
}

// List returns all schemas ordered by ID.
func (c *Catalog) List() []Schema {
	c.mu.RLock()
	out := make([]Schema, 0, len(c.schemas))
	for _, s := range c.schemas {
		out = append(out, s)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b Schema) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Match picks the scenario that best fits text. An explicit schema ID
// outweighs a trigger pattern, which outweighs keywords. Ties go to the
// higher priority, then the lower ID.
func (c *Catalog) Match(text string) (Schema, bool) {
	lower := strings.ToLower(text)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		best      Schema
		bestScore int
	)
	for id, s := range c.schemas {
		score := 0
		if strings.Contains(lower, strings.ToLower(id)) {
			score += 10
		}
		if re, ok := c.compiledRegex[id]; ok && re.MatchString(text) {
			score += 5
		}
		for _, kw := range c.keywordRegex[id] {
			if kw.MatchString(lower) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		if score > bestScore ||
			(score == bestScore && (s.Priority > best.Priority || (s.Priority == best.Priority && s.ID < best.ID))) {
			best, bestScore = s, score
		}
	}
	return best, bestScore > 0
}
