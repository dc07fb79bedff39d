package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"capstone-brain/backend/pkg/jwt"
)

// Principal is the authenticated identity a request runs as
type Principal struct {
	AccountID string
	Email     string
	Role      jwt.Role
}

// PrincipalFromClaims builds a Principal from validated token claims
func PrincipalFromClaims(c *jwt.JWTClaims) Principal {
	return Principal{AccountID: c.AccountID, Email: c.Email, Role: c.Role}
}

type route struct {
	decode func(raw json.RawMessage) (Payload, error)
	handle func(ctx context.Context, p Principal, payload Payload) (any, error)
}

// Dispatcher routes payloads to the handler registered for their kind
type Dispatcher struct {
	routes map[Kind]route
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[Kind]route)}
}

// Handle registers fn for the kind of P. The payload type is fixed at
// compile time, so a handler can never receive another variant.
// Registering the same kind twice panics.
func Handle[P Payload](d *Dispatcher, fn func(ctx context.Context, principal Principal, payload P) (any, error)) {
	var zero P
	kind := zero.Kind()
	if _, dup := d.routes[kind]; dup {
		panic(fmt.Sprintf("relay: handler for %q registered twice", kind))
	}

	d.routes[kind] = route{
		decode: func(raw json.RawMessage) (Payload, error) {
			var p P
			if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
				dec := json.NewDecoder(bytes.NewReader(raw))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&p); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
				}
			}
			if err := p.Validate(); err != nil {
				return nil, err
			}
			return p, nil
		},
		handle: func(ctx context.Context, principal Principal, payload Payload) (any, error) {
			typed, ok := payload.(P)
			if !ok {
				return nil, fmt.Errorf("%w: %T is not %s", ErrInvalidPayload, payload, kind)
			}
			return fn(ctx, principal, typed)
		},
	}
}

// Has reports whether a handler is registered for kind
func (d *Dispatcher) Has(kind Kind) bool {
	_, ok := d.routes[kind]
	return ok
}

// Kinds lists registered kinds in sorted order
func (d *Dispatcher) Kinds() []Kind {
	kinds := make([]Kind, 0, len(d.routes))
	for k := range d.routes {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Decode parses and validates raw as the payload registered for kind
func (d *Dispatcher) Decode(kind Kind, raw json.RawMessage) (Payload, error) {
	r, ok := d.routes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return r.decode(raw)
}

// Dispatch decodes raw and runs the handler for kind.
// Decoding failures are permanent.
func (d *Dispatcher) Dispatch(ctx context.Context, principal Principal, kind Kind, raw json.RawMessage) (any, error) {
	payload, err := d.Decode(kind, raw)
	if err != nil {
		return nil, Permanent(&Failure{Code: CodeInvalidPayload, Message: err.Error()})
	}
	return d.routes[kind].handle(ctx, principal, payload)
}
