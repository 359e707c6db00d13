// Package planfile stores plans on disk so they can be reviewed before they
// are applied.
package planfile

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/freebrew/liveRAID/internal/fsatomic"
	"github.com/freebrew/liveRAID/internal/planner"
)

//go:embed plan.schema.json
var schema []byte

var (
	ErrInvalid        = errors.New("invalid plan file")
	ErrDigestMismatch = errors.New("plan file was modified after planning")
)

func Save(ctx context.Context, path string, p *planner.Plan) error {
	return fsatomic.WithLock(path, func() error {
		return fsatomic.SaveJSON(ctx, path, p, 0o600)
	})
}

func Load(path string) (*planner.Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Decode(b)
}

// Decode validates data against the plan schema and checks that the plan id
// still matches the contents.
func Decode(data []byte) (*planner.Plan, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var p planner.Plan
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if p.ID != p.Digest() {
		return nil, ErrDigestMismatch
	}
	return &p, nil
}

func Validate(data []byte) error {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !result.Valid() {
		msgs := []string{}
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
	}
	return nil
}
