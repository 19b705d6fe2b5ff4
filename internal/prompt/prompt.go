// Package prompt resolves prompt sets and assembles backend requests for the
// conversion and repair stages.
package prompt

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/sqlconv/internal/ai"
	"github.com/johndauphine/sqlconv/internal/dialect"
	"github.com/johndauphine/sqlconv/internal/fault"
	"github.com/johndauphine/sqlconv/internal/ledger"
)

// DefaultSet is the name of the embedded prompt set.
const DefaultSet = "default"

//go:embed sets/*.yaml
var embeddedSets embed.FS

// Set is a named collection of instruction templates.
type Set struct {
	Name       string            `yaml:"name"`
	Guidelines string            `yaml:"guidelines"`
	Repair     string            `yaml:"repair"`
	Dialects   map[string]string `yaml:"dialects"`
}

// LoadSet returns the named embedded set, or reads a custom set from a
// directory of YAML files. Later files override earlier ones key by key.
func LoadSet(nameOrDir string) (*Set, error) {
	if nameOrDir == "" {
		nameOrDir = DefaultSet
	}

	if data, err := embeddedSets.ReadFile("sets/" + nameOrDir + ".yaml"); err == nil {
		set := &Set{}
		if err := set.merge(data); err != nil {
			return nil, fault.Config("prompts.set", "embedded set %q: %v", nameOrDir, err)
		}
		if set.Name == "" {
			set.Name = nameOrDir
		}
		return set, nil
	}

	info, err := os.Stat(nameOrDir)
	if err != nil || !info.IsDir() {
		return nil, fault.Config("prompts.set", "unknown prompt set %q", nameOrDir)
	}
	files, err := filepath.Glob(filepath.Join(nameOrDir, "*.yaml"))
	if err != nil {
		return nil, fault.Config("prompts.set", "%v", err)
	}
	if len(files) == 0 {
		return nil, fault.Config("prompts.set", "no *.yaml files in %s", nameOrDir)
	}
	sort.Strings(files)

	set := &Set{}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fault.Config("prompts.set", "reading %s: %v", f, err)
		}
		if err := set.merge(data); err != nil {
			return nil, fault.Config("prompts.set", "parsing %s: %v", f, err)
		}
	}
	if set.Name == "" {
		set.Name = filepath.Base(filepath.Clean(nameOrDir))
	}
	return set, nil
}

func (s *Set) merge(data []byte) error {
	var part Set
	if err := yaml.Unmarshal(data, &part); err != nil {
		return err
	}
	if part.Name != "" {
		s.Name = part.Name
	}
	if part.Guidelines != "" {
		s.Guidelines = part.Guidelines
	}
	if part.Repair != "" {
		s.Repair = part.Repair
	}
	for k, v := range part.Dialects {
		if s.Dialects == nil {
			s.Dialects = make(map[string]string)
		}
		s.Dialects[strings.ToLower(k)] = v
	}
	return nil
}

// Template is the resolved instruction text for one dialect.
type Template struct {
	ID           string
	Instructions string
}

// Template looks up the dialect's instructions. A missing entry is a ConfigFault.
func (s *Set) Template(d dialect.Dialect) (*Template, error) {
	text, ok := s.Dialects[string(d)]
	if !ok || strings.TrimSpace(text) == "" {
		return nil, fault.Config("prompts.set", "prompt set %q has no template for dialect %s", s.Name, d)
	}
	return &Template{ID: s.Name + "/" + string(d), Instructions: text}, nil
}

// Options are the values substituted into templates.
type Options struct {
	TargetLanguage  string
	CommentLanguage string
	Params          ai.Params
}

// Builder assembles requests for one run. It is resolved once at run
// configuration time so a missing template fails before any backend call.
type Builder struct {
	set      *Set
	template *Template
	dialect  dialect.Dialect
	opts     Options
	replacer *strings.Replacer
}

// NewBuilder resolves the dialect template in set.
func NewBuilder(set *Set, d dialect.Dialect, opts Options) (*Builder, error) {
	tmpl, err := set.Template(d)
	if err != nil {
		return nil, err
	}
	if opts.TargetLanguage == "" {
		opts.TargetLanguage = "PostgreSQL"
	}
	if opts.CommentLanguage == "" {
		opts.CommentLanguage = "English"
	}
	return &Builder{
		set:      set,
		template: tmpl,
		dialect:  d,
		opts:     opts,
		replacer: strings.NewReplacer(
			"{{dialect}}", d.DisplayName(),
			"{{target_language}}", opts.TargetLanguage,
			"{{comment_language}}", opts.CommentLanguage,
		),
	}, nil
}

// TemplateID returns the resolved template id.
func (b *Builder) TemplateID() string {
	return b.template.ID
}

func (b *Builder) instructions() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(b.replacer.Replace(b.set.Guidelines)))
	sb.WriteString("\n\n=== DIALECT ===\n")
	sb.WriteString(strings.TrimSpace(b.replacer.Replace(b.template.Instructions)))
	sb.WriteString("\n")
	return sb.String()
}

// Conversion builds the first request for a unit.
func (b *Builder) Conversion(u ledger.Unit) ai.Request {
	return ai.Request{
		Prompt:     b.instructions(),
		Source:     u.RawText,
		TemplateID: b.template.ID,
		Params:     b.opts.Params,
	}
}

// Repair builds a corrective request carrying the prior output and error.
func (b *Builder) Repair(u ledger.Unit) ai.Request {
	var sb strings.Builder
	sb.WriteString(b.instructions())

	sb.WriteString("\n=== REPAIR ===\n")
	sb.WriteString(strings.TrimSpace(b.replacer.Replace(b.set.Repair)))
	sb.WriteString("\n")

	if u.GeneratedText != "" {
		sb.WriteString("\n=== PREVIOUS OUTPUT ===\n")
		sb.WriteString(u.GeneratedText)
		if !strings.HasSuffix(u.GeneratedText, "\n") {
			sb.WriteString("\n")
		}
	}
	if u.LastError != "" {
		sb.WriteString("\n=== ERROR ===\n")
		sb.WriteString(u.LastError)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nThis is fix attempt %d.\n", u.AttemptCount)

	return ai.Request{
		Prompt:     sb.String(),
		Source:     u.RawText,
		TemplateID: b.template.ID + "#repair",
		Params:     b.opts.Params,
	}
}

// ExtractCode returns the body of the first fenced code block in a backend
// response. Responses without a fence are returned trimmed.
func ExtractCode(response string) string {
	start := strings.Index(response, "```")
	if start == -1 {
		return strings.TrimSpace(response)
	}
	rest := response[start+3:]
	// Skip the info string (```sql).
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return strings.TrimSpace(strings.TrimSuffix(rest, "```"))
	}
	rest = rest[nl+1:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimRight(strings.TrimLeft(rest[:end], "\r\n"), " \t\r\n")
}
