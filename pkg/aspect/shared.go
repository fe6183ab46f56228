package aspect

import (
	"context"
	"encoding/base64"
	"fmt"
	"maps"
	"net/http"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// SharedHeader carries an encoded shared map across an HTTP boundary.
const SharedHeader = "X-Aspect-Shared"

var (
	sharedEncMode cbor.EncMode
	sharedDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("aspect: failed to create CBOR enc mode: %v", err))
	}
	sharedEncMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("aspect: failed to create CBOR dec mode: %v", err))
	}
	sharedDecMode = dm
}

type sharedKey struct{}

// WithShared attaches a shared map to ctx. The next woven invocation made with
// the returned context starts its joinpoint with a copy of that map. This is
// how a caller re-attaches context received from the other side of a remote
// call.
func WithShared(ctx context.Context, shared map[string]any) context.Context {
	return context.WithValue(ctx, sharedKey{}, maps.Clone(shared))
}

// SharedFrom returns the shared map attached to ctx, if any.
func SharedFrom(ctx context.Context) (map[string]any, bool) {
	if ctx == nil {
		return nil, false
	}
	shared, ok := ctx.Value(sharedKey{}).(map[string]any)
	return shared, ok
}

// ExportShared serializes a shared map with canonical CBOR, so equal maps
// always encode to equal bytes.
func ExportShared(shared map[string]any) ([]byte, error) {
	data, err := sharedEncMode.Marshal(shared)
	if err != nil {
		return nil, fmt.Errorf("aspect: export shared context: %w", err)
	}
	return data, nil
}

// ImportShared deserializes a map produced by ExportShared. Unsigned integers
// decode as uint64, negative ones as int64.
func ImportShared(data []byte) (map[string]any, error) {
	shared := make(map[string]any)
	if len(data) == 0 {
		return shared, nil
	}
	if err := sharedDecMode.Unmarshal(data, &shared); err != nil {
		return nil, fmt.Errorf("aspect: import shared context: %w", err)
	}
	return shared, nil
}

// InjectShared encodes shared into the SharedHeader of an outgoing request.
func InjectShared(req *http.Request, shared map[string]any) error {
	data, err := ExportShared(shared)
	if err != nil {
		return err
	}
	req.Header.Set(SharedHeader, base64.RawURLEncoding.EncodeToString(data))
	return nil
}

// ExtractShared decodes the SharedHeader of an incoming request. A request
// without the header yields an empty map.
func ExtractShared(req *http.Request) (map[string]any, error) {
	raw := req.Header.Get(SharedHeader)
	if raw == "" {
		return map[string]any{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("aspect: decode %s header: %w", SharedHeader, err)
	}
	return ImportShared(data)
}

// SharedMiddleware re-attaches a shared map sent by a client to the request
// context, so woven calls made while serving the request see it. Malformed
// headers are rejected with 400.
func SharedMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SharedHeader) == "" {
			next.ServeHTTP(w, r)
			return
		}
		shared, err := ExtractShared(r)
		if err != nil {
			http.Error(w, "bad shared context", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithShared(r.Context(), shared)))
	})
}
