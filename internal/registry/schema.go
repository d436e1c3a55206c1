package registry

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// Schema compiles a CUE schema into a payload validator.
//
// The payload is encoded into CUE (using its json tags), unified with the
// schema and must yield a concrete, error-free value:
//
//	validate, err := registry.Schema(`
//		view_id: string & != ""
//		order: [...string] & [_, ...]
//	`)
//
// Returns an error if the schema itself does not compile.
func Schema(src string) (func(payload any) error, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(src)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile payload schema: %s", errors.Details(err, nil))
	}

	// cue.Context is not safe for concurrent use.
	var mu sync.Mutex
	return func(payload any) error {
		mu.Lock()
		defer mu.Unlock()

		v := ctx.Encode(payload)
		if err := v.Err(); err != nil {
			return fmt.Errorf("encode payload: %s", errors.Details(err, nil))
		}
		unified := schema.Unify(v)
		if err := unified.Validate(cue.Concrete(true)); err != nil {
			return fmt.Errorf("%s", errors.Details(err, nil))
		}
		return nil
	}, nil
}

// MustSchema is Schema that panics if the schema does not compile.
func MustSchema(src string) func(payload any) error {
	v, err := Schema(src)
	if err != nil {
		panic(err)
	}
	return v
}
