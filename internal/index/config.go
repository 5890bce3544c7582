package index

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	errs "github.com/webme-commons/esindex/internal/errors"
)

// Mode is the write-consistency mode.
type Mode int

const (
	// ModeSync applies each mutation inline and fails the write on error.
	ModeSync Mode = iota
	// ModeAsync enqueues each mutation and acknowledges immediately.
	ModeAsync
)

// String returns "sync" or "async".
func (m Mode) String() string {
	if m == ModeAsync {
		return "async"
	}
	return "sync"
}

// Index option names.
const (
	OptionTarget        = "target"
	OptionAsyncWrite    = "async-write"
	OptionClassName     = "class_name"
	OptionPayloadColumn = "payload-column"
	OptionIDColumn      = "id-column"
	OptionIndexName     = "index-name"
	OptionEndpoint      = "endpoint"
)

// DefaultPayloadColumn is the column read when payload-column is not set.
const DefaultPayloadColumn = "esquery"

var knownOptions = []string{
	OptionTarget, OptionAsyncWrite, OptionClassName, OptionPayloadColumn,
	OptionIDColumn, OptionIndexName, OptionEndpoint,
}

var indexNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// Config is an index's resolved configuration. It does not change after
// Resolve returns it.
type Config struct {
	// Name is the name the index was registered under.
	Name          string
	TargetTable   string
	IDColumn      string
	PayloadColumn string
	Mode          Mode
	// Endpoint locates the search backend.
	Endpoint string
	// IndexName is the backend index documents are written to.
	IndexName string
}

// Resolve validates options against the host schema and returns the
// index configuration. Every failure is a ConfigError.
func Resolve(name string, options map[string]string, schema SchemaLookup, defaultEndpoint string) (Config, error) {
	if strings.TrimSpace(name) == "" {
		return Config{}, errs.ConfigError("index name is required", nil)
	}

	var unknown []string
	for k := range options {
		if !slices.Contains(knownOptions, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return Config{}, errs.New(errs.ErrCodeUnknownOption,
			fmt.Sprintf("unknown index option(s): %s", strings.Join(unknown, ", ")), nil).
			WithDetail("index", name).
			WithSuggestion("Supported options: " + strings.Join(knownOptions, ", "))
	}

	cfg := Config{
		Name:          name,
		TargetTable:   strings.TrimSpace(options[OptionTarget]),
		PayloadColumn: DefaultPayloadColumn,
		Endpoint:      defaultEndpoint,
		IndexName:     strings.ToLower(name),
	}
	if cfg.TargetTable == "" {
		return Config{}, errs.ConfigError(fmt.Sprintf("index %s: option %q is required", name, OptionTarget), nil)
	}

	switch v := strings.ToLower(strings.TrimSpace(options[OptionAsyncWrite])); v {
	case "", "false":
		cfg.Mode = ModeSync
	case "true":
		cfg.Mode = ModeAsync
	default:
		return Config{}, errs.ConfigError(
			fmt.Sprintf("index %s: option %q must be \"true\" or \"false\", got %q", name, OptionAsyncWrite, v), nil)
	}

	if v, ok := options[OptionPayloadColumn]; ok {
		cfg.PayloadColumn = strings.TrimSpace(v)
	}
	if v, ok := options[OptionEndpoint]; ok {
		cfg.Endpoint = strings.TrimSpace(v)
	}
	if v, ok := options[OptionIndexName]; ok {
		cfg.IndexName = strings.TrimSpace(v)
	}
	if !indexNamePattern.MatchString(cfg.IndexName) {
		return Config{}, errs.ConfigError(
			fmt.Sprintf("index %s: backend index name %q is invalid", name, cfg.IndexName), nil).
			WithSuggestion("Use lowercase letters, digits, '.', '_' or '-'")
	}

	table, ok := schema.Table(cfg.TargetTable)
	if !ok {
		return Config{}, errs.New(errs.ErrCodeUnknownTable,
			fmt.Sprintf("index %s: table %q does not exist", name, cfg.TargetTable), nil)
	}

	cfg.IDColumn = table.PartitionKey.Name
	if v, ok := options[OptionIDColumn]; ok {
		v = strings.TrimSpace(v)
		if v != table.PartitionKey.Name {
			return Config{}, errs.New(errs.ErrCodeColumnMismatch,
				fmt.Sprintf("index %s: id column %q is not the partition key of %s (%q)",
					name, v, table.Name, table.PartitionKey.Name), nil)
		}
	}

	payload, ok := table.Column(cfg.PayloadColumn)
	if !ok {
		return Config{}, errs.New(errs.ErrCodeColumnMismatch,
			fmt.Sprintf("index %s: payload column %q does not exist in %s", name, cfg.PayloadColumn, table.Name), nil)
	}
	if !payload.Type.IsPayloadType() {
		return Config{}, errs.New(errs.ErrCodeColumnMismatch,
			fmt.Sprintf("index %s: payload column %q has type %s, want text or blob", name, payload.Name, payload.Type), nil)
	}
	if payload.Name == cfg.IDColumn {
		return Config{}, errs.New(errs.ErrCodeColumnMismatch,
			fmt.Sprintf("index %s: payload column cannot be the partition key", name), nil)
	}

	return cfg, nil
}
