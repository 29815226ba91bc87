// Package offliner knows the flags each scraper accepts and turns a task's
// flag values into the command line the worker runs.
package offliner

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"zimfarm/internal/domain"
)

type FlagKind string

const (
	KindString FlagKind = "string"
	KindBool   FlagKind = "boolean"
	KindEnum   FlagKind = "enum"
	KindSecret FlagKind = "secret"
)

type Flag struct {
	Key      string
	Kind     FlagKind
	Required bool
	Choices  []string // KindEnum only
}

// render checks v against the flag kind and returns its command line form.
// For booleans the second result reports whether the flag is emitted.
func (f Flag) render(v any) (string, bool, error) {
	switch f.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return "", false, fmt.Errorf("must be a boolean")
		}
		return "", b, nil
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return "", false, fmt.Errorf("must be a string")
		}
		for _, c := range f.Choices {
			if c == s {
				return s, true, nil
			}
		}
		return "", false, fmt.Errorf("must be one of %s", strings.Join(f.Choices, ", "))
	case KindString, KindSecret:
		switch x := v.(type) {
		case string:
			if x == "" && f.Required {
				return "", false, fmt.Errorf("is required")
			}
			return x, true, nil
		case float64:
			if x == math.Trunc(x) && math.Abs(x) < 1<<63 {
				return strconv.FormatInt(int64(x), 10), true, nil
			}
			return strconv.FormatFloat(x, 'f', -1, 64), true, nil
		case int:
			return strconv.Itoa(x), true, nil
		case int64:
			return strconv.FormatInt(x, 10), true, nil
		}
		return "", false, fmt.Errorf("must be a string")
	}
	return "", false, fmt.Errorf("unknown flag kind %q", f.Kind)
}

// Definition describes one offliner: its binary and the flags it takes.
type Definition struct {
	Name       string
	Command    string
	OutputFlag string
	Flags      []Flag
}

func (d Definition) flag(key string) (Flag, bool) {
	for _, f := range d.Flags {
		if f.Key == key {
			return f, true
		}
	}
	return Flag{}, false
}

var definitions = map[string]Definition{
	"mwoffliner": {
		Name: "mwoffliner", Command: "mwoffliner", OutputFlag: "outputDirectory",
		Flags: []Flag{
			{Key: "mwUrl", Kind: KindString, Required: true},
			{Key: "adminEmail", Kind: KindString, Required: true},
			{Key: "articleList", Kind: KindString},
			{Key: "customZimTitle", Kind: KindString},
			{Key: "customZimDescription", Kind: KindString},
			{Key: "format", Kind: KindString},
			{Key: "filenamePrefix", Kind: KindString},
			{Key: "withoutZimFullTextIndex", Kind: KindBool},
			{Key: "forceRender", Kind: KindEnum, Choices: []string{"VisualEditor", "WikimediaDesktop", "WikimediaMobile", "RestApi"}},
			{Key: "optimisationCacheUrl", Kind: KindSecret},
		},
	},
	"youtube": {
		Name: "youtube", Command: "youtube2zim", OutputFlag: "output",
		Flags: []Flag{
			{Key: "id", Kind: KindString, Required: true},
			{Key: "api-key", Kind: KindSecret, Required: true},
			{Key: "type", Kind: KindEnum, Required: true, Choices: []string{"channel", "user", "playlist"}},
			{Key: "name", Kind: KindString},
			{Key: "lang", Kind: KindString},
			{Key: "title", Kind: KindString},
			{Key: "optimization-cache", Kind: KindSecret},
			{Key: "low-quality", Kind: KindBool},
		},
	},
	"gutenberg": {
		Name: "gutenberg", Command: "gutenberg2zim", OutputFlag: "output",
		Flags: []Flag{
			{Key: "languages", Kind: KindString},
			{Key: "formats", Kind: KindString},
			{Key: "zim-languages", Kind: KindString},
			{Key: "books", Kind: KindString},
			{Key: "bookshelves", Kind: KindBool},
			{Key: "title-search", Kind: KindBool},
			{Key: "optimization-cache", Kind: KindSecret},
		},
	},
	"ted": {
		Name: "ted", Command: "ted2zim", OutputFlag: "output",
		Flags: []Flag{
			{Key: "topics", Kind: KindString},
			{Key: "playlists", Kind: KindString},
			{Key: "languages", Kind: KindString},
			{Key: "name", Kind: KindString, Required: true},
			{Key: "format", Kind: KindEnum, Choices: []string{"mp4", "webm"}},
			{Key: "low-quality", Kind: KindBool},
			{Key: "optimization-cache", Kind: KindSecret},
		},
	},
	"zimit": {
		Name: "zimit", Command: "zimit", OutputFlag: "output",
		Flags: []Flag{
			{Key: "seeds", Kind: KindString, Required: true},
			{Key: "name", Kind: KindString, Required: true},
			{Key: "title", Kind: KindString},
			{Key: "scopeType", Kind: KindEnum, Choices: []string{"page", "page-spa", "prefix", "host", "domain", "any", "custom"}},
			{Key: "workers", Kind: KindString},
			{Key: "pageLimit", Kind: KindString},
			{Key: "adminEmail", Kind: KindString},
			{Key: "mobileDevice", Kind: KindString},
		},
	},
	"sotoki": {
		Name: "sotoki", Command: "sotoki", OutputFlag: "output",
		Flags: []Flag{
			{Key: "domain", Kind: KindString, Required: true},
			{Key: "email", Kind: KindString, Required: true},
			{Key: "title", Kind: KindString},
			{Key: "without-images", Kind: KindBool},
			{Key: "without-user-profiles", Kind: KindBool},
			{Key: "redis-url", Kind: KindSecret},
			{Key: "optimization-cache", Kind: KindSecret},
		},
	},
	"phet": {
		Name: "phet", Command: "phet2zim", OutputFlag: "output",
		Flags: []Flag{
			{Key: "includeLanguages", Kind: KindString},
			{Key: "excludeLanguages", Kind: KindString},
			{Key: "withoutLanguageVariants", Kind: KindBool},
			{Key: "createMul", Kind: KindBool},
			{Key: "mulOnly", Kind: KindBool},
		},
	},
	"nautilus": {
		Name: "nautilus", Command: "nautiluszim", OutputFlag: "output",
		Flags: []Flag{
			{Key: "archive", Kind: KindString},
			{Key: "collection", Kind: KindString},
			{Key: "name", Kind: KindString, Required: true},
			{Key: "title", Kind: KindString},
			{Key: "description", Kind: KindString},
			{Key: "no-random", Kind: KindBool},
		},
	},
}

// Lookup returns the definition of a known offliner.
func Lookup(name string) (Definition, bool) {
	d, ok := definitions[name]
	return d, ok
}

// Names lists the known offliners in sorted order.
func Names() []string {
	out := make([]string, 0, len(definitions))
	for n := range definitions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate checks flag values against the definition. Field errors are
// keyed "flags.<key>".
func (d Definition) Validate(flags map[string]any) error {
	fields := map[string]string{}
	for key, v := range flags {
		f, ok := d.flag(key)
		if !ok {
			fields["flags."+key] = "unknown flag for " + d.Name
			continue
		}
		if _, _, err := f.render(v); err != nil {
			fields["flags."+key] = err.Error()
		}
	}
	for _, f := range d.Flags {
		if _, ok := flags[f.Key]; f.Required && !ok {
			fields["flags."+f.Key] = "is required"
		}
	}
	if len(fields) > 0 {
		return domain.FieldErrors(fields)
	}
	return nil
}

// Redacted replaces secret flag values wherever they are shown.
const Redacted = "********"

// Redact returns a copy of flags with every secret value masked.
func Redact(d Definition, flags map[string]any) map[string]any {
	if flags == nil {
		return nil
	}
	out := make(map[string]any, len(flags))
	for k, v := range flags {
		if f, ok := d.flag(k); ok && f.Kind == KindSecret {
			v = Redacted
		}
		out[k] = v
	}
	return out
}

// RedactConfig masks the secret flags of cfg. Flags of an unknown offliner
// are dropped since their kinds cannot be checked.
func RedactConfig(cfg domain.ScheduleConfig) domain.ScheduleConfig {
	def, ok := Lookup(cfg.Offliner)
	if !ok {
		cfg.Flags = nil
		return cfg
	}
	cfg.Flags = Redact(def, cfg.Flags)
	return cfg
}

// BuildCommand returns the offliner argv: the binary followed by one
// --key=value per flag in key order, or a bare --key for a true boolean.
// The output directory flag is added unless flags set it.
func BuildCommand(d Definition, flags map[string]any, outputDir string) ([]string, error) {
	return build(d, flags, outputDir, false)
}

// DisplayCommand is BuildCommand joined for logs, with secrets redacted.
func DisplayCommand(d Definition, flags map[string]any, outputDir string) (string, error) {
	argv, err := build(d, flags, outputDir, true)
	if err != nil {
		return "", err
	}
	return strings.Join(argv, " "), nil
}

func build(d Definition, flags map[string]any, outputDir string, redact bool) ([]string, error) {
	if err := d.Validate(flags); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	argv := []string{d.Command}
	for _, k := range keys {
		f, _ := d.flag(k)
		val, emit, _ := f.render(flags[k])
		if !emit {
			continue
		}
		if f.Kind == KindBool {
			argv = append(argv, "--"+k)
			continue
		}
		if redact && f.Kind == KindSecret {
			val = Redacted
		}
		argv = append(argv, "--"+k+"="+val)
	}
	if _, set := flags[d.OutputFlag]; d.OutputFlag != "" && outputDir != "" && !set {
		argv = append(argv, "--"+d.OutputFlag+"="+outputDir)
	}
	return argv, nil
}
