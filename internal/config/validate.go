package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaCUE string

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string // dotted key, e.g. "engine.debounce_ms"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is every problem found in one configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate unifies the configuration with the embedded CUE schema, then
// applies the checks that span several keys.
func (c *Config) Validate() []ValidationError {
	errs := c.validateSchema()
	errs = append(errs, c.validateBackend()...)
	return errs
}

func (c *Config) validateSchema() []ValidationError {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return []ValidationError{{Field: "schema", Message: err.Error()}}
	}

	value := schema.Unify(ctx.Encode(c))
	err := value.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var out []ValidationError
	seen := make(map[string]bool)
	for _, e := range cueerrors.Errors(err) {
		field := fieldPath(e.Path())
		if seen[field] {
			continue
		}
		seen[field] = true
		format, args := e.Msg()
		out = append(out, ValidationError{
			Field:   field,
			Value:   c.lookup(field),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return out
}

func (c *Config) validateBackend() []ValidationError {
	var errs []ValidationError
	switch c.Store.Backend {
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, ValidationError{
				Field:   "redis.url",
				Message: "required when store.backend is redis",
			})
		}
	case BackendSQLite:
		if c.Store.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "store.path",
				Message: "required when store.backend is sqlite",
			})
		}
	}
	return errs
}

// fieldPath drops definition labels such as #Config from a CUE error path.
func fieldPath(path []string) string {
	parts := make([]string, 0, len(path))
	for _, p := range path {
		if strings.HasPrefix(p, "#") {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ".")
}

// lookup returns the current value of a dotted key for error messages.
func (c *Config) lookup(field string) any {
	switch field {
	case "engine.debounce_ms":
		return c.Engine.DebounceMs
	case "engine.max_retries":
		return c.Engine.MaxRetries
	case "engine.base_delay_ms":
		return c.Engine.BaseDelayMs
	case "store.backend":
		return c.Store.Backend
	case "store.driver":
		return c.Store.Driver
	case "store.path":
		return c.Store.Path
	case "store.poll_interval_ms":
		return c.Store.PollIntervalMs
	case "redis.prefix":
		return c.Redis.Prefix
	case "logging.level":
		return c.Logging.Level
	case "logging.format":
		return c.Logging.Format
	}
	return nil
}
