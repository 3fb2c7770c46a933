package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/scaffoldd/internal/config"
	"github.com/fyrsmithlabs/scaffoldd/internal/secrets"
)

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val.Value()))+"]")
}

const maxPatternLen = 200

// RedactingEncoder masks sensitive keys, values matching patterns, and
// credentials the scrubber recognizes inside otherwise harmless strings.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]struct{}
	patterns []*regexp.Regexp
	scrubber *secrets.Scrubber
}

// NewRedactingEncoder wraps base with the redaction rules in cfg.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	enc := &RedactingEncoder{Encoder: base, keys: map[string]struct{}{}}
	if !cfg.Enabled {
		return enc, nil
	}
	for _, f := range cfg.Fields {
		enc.keys[strings.ToLower(f)] = struct{}{}
	}
	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	enc.patterns = patterns
	if cfg.SecretRules {
		if enc.scrubber, err = secrets.New(secrets.DefaultConfig()); err != nil {
			return nil, fmt.Errorf("secret rules: %w", err)
		}
	}
	return enc, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (e *RedactingEncoder) sensitive(key string) bool {
	_, ok := e.keys[strings.ToLower(key)]
	return ok
}

// value returns val as it may be written under key.
func (e *RedactingEncoder) value(key, val string) string {
	if e.sensitive(key) {
		return "[REDACTED]"
	}
	for _, re := range e.patterns {
		if re.MatchString(val) {
			return "[REDACTED:pattern]"
		}
	}
	if e.scrubber != nil {
		return e.scrubber.Redact(val)
	}
	return val
}

func (e *RedactingEncoder) AddString(key, val string) {
	e.Encoder.AddString(key, e.value(key, val))
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		val = []byte("[REDACTED]")
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// EncodeEntry masks per-entry fields; fields attached through With are
// handled by the Add* methods on the cloned encoder.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	masked := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		masked[i] = e.mask(f)
	}
	return e.Encoder.EncodeEntry(ent, masked)
}

func (e *RedactingEncoder) mask(f zapcore.Field) zapcore.Field {
	if e.sensitive(f.Key) {
		return zap.String(f.Key, "[REDACTED]")
	}
	if f.Type == zapcore.StringType {
		if v := e.value(f.Key, f.String); v != f.String {
			return zap.String(f.Key, v)
		}
	}
	return f
}

// Clone keeps redaction on child loggers created via With.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns, scrubber: e.scrubber}
}
