package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueload "cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE []byte

// Load error codes (E200-E209).
const (
	ErrCodeNotFound    = "E200" // config path missing
	ErrCodeParse       = "E201" // YAML or CUE syntax error
	ErrCodeSchema      = "E202" // CUE value does not satisfy the schema
	ErrCodeUnsupported = "E203" // unknown file extension
)

// LoadError is a failure to read or decode a configuration.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsLoadError reports whether err is a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// Load reads path, applies defaults and validates the result.
//
// path may be a .cue, .yaml or .yml file, or a directory holding one CUE
// package.
func Load(path string) (*Pipeline, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: err.Error()}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config not found: %s", path)}
	}

	var p *Pipeline
	if info.IsDir() {
		p, err = loadCUEDir(abs)
		if err == nil {
			p.BaseDir = abs
		}
	} else {
		data, readErr := os.ReadFile(abs)
		if readErr != nil {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: readErr.Error()}
		}
		switch strings.ToLower(filepath.Ext(abs)) {
		case ".cue":
			p, err = ParseCUE(data, abs)
		case ".yaml", ".yml":
			p, err = ParseYAML(data)
		default:
			return nil, &LoadError{Code: ErrCodeUnsupported, Message: fmt.Sprintf("unsupported config extension %q", filepath.Ext(abs))}
		}
		if err == nil {
			p.BaseDir = filepath.Dir(abs)
		}
	}
	if err != nil {
		return nil, err
	}

	if errs := p.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return p, nil
}

// ParseYAML decodes data strictly: unknown fields are errors. Defaults are
// applied; validation is left to the caller.
func ParseYAML(data []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("parse yaml: %v", err)}
	}
	p.finish()
	return &p, nil
}

// ParseCUE compiles data, unifies it with the pipeline schema and decodes
// it. filename is used in error positions.
func ParseCUE(data []byte, filename string) (*Pipeline, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, cueLoadError(ErrCodeParse, err)
	}
	return decodeCUE(ctx, v)
}

func loadCUEDir(dir string) (*Pipeline, error) {
	instances := cueload.Instances([]string{"."}, &cueload.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeParse, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, cueLoadError(ErrCodeParse, inst.Err)
	}
	ctx := cuecontext.New()
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, cueLoadError(ErrCodeParse, err)
	}
	return decodeCUE(ctx, v)
}

func decodeCUE(ctx *cue.Context, v cue.Value) (*Pipeline, error) {
	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile embedded schema: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Pipeline")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(ErrCodeSchema, err)
	}

	var p Pipeline
	if err := unified.Decode(&p); err != nil {
		return nil, cueLoadError(ErrCodeSchema, err)
	}
	p.finish()
	return &p, nil
}

// finish applies defaults and environment expansion shared by both formats.
func (p *Pipeline) finish() {
	p.Postgres.DSN = os.ExpandEnv(p.Postgres.DSN)
	p.ApplyDefaults()
}

// cueLoadError reports the first CUE error with its position.
func cueLoadError(code string, err error) *LoadError {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := list[0]
	format, args := first.Msg()
	msg := fmt.Sprintf(format, args...)
	if path := first.Path(); len(path) > 0 {
		msg = strings.Join(path, ".") + ": " + msg
	}
	if len(list) > 1 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, len(list)-1)
	}
	return &LoadError{Code: code, Message: msg, Pos: first.Position()}
}
