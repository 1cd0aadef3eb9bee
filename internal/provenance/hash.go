// Package provenance computes deterministic content hashes over logical
// records, so that two representations of the same fact always hash
// identically regardless of field ordering or construction order.
package provenance

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/tariffdesk/rates-cli/internal/model"
)

// CanonicalJSON serializes v into a canonical byte form: object keys
// sorted recursively, struct fields rendered under their JSON names,
// cycles collapsed to null. Two logically identical values produce
// byte-identical output.
func CanonicalJSON(v any) ([]byte, error) {
	canon := canonicalize(reflect.ValueOf(v), map[uintptr]bool{})
	out, err := json.Marshal(canon)
	if err != nil {
		return nil, eris.Wrap(err, "provenance: marshal canonical form")
	}
	return out, nil
}

// HashPayload returns the sha256 hex digest of the canonical form of v.
// Used to fingerprint idempotency request payloads.
func HashPayload(v any) string {
	canon, err := CanonicalJSON(v)
	if err != nil {
		// Canonicalization already collapses cycles; the only failures
		// left are unserializable leaves (channels, funcs). Hash their
		// textual form so the result stays deterministic.
		canon = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the sha256 hex digest of raw source bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// rowFields fixes the logical field order hashed for a rate row. The
// surrogate id and timestamps are deliberately excluded.
type rowFields struct {
	Destination   string `json:"destination"`
	Partner       string `json:"partner"`
	ProductKey    string `json:"product_key"`
	RuleKind      string `json:"rule_kind"`
	Value         string `json:"value"`
	Currency      string `json:"currency"`
	EffectiveFrom string `json:"effective_from"`
	EffectiveTo   string `json:"effective_to"`
	Notes         string `json:"notes"`
	SourceTier    string `json:"source_tier"`
}

// RowHash computes the content hash of a rate row's logical fields.
// The value is normalized through decimal parsing so "3.700" and "3.7"
// hash identically.
func RowHash(r model.RateRecord) string {
	f := rowFields{
		Destination:   strings.ToUpper(strings.TrimSpace(r.Destination)),
		Partner:       strings.ToUpper(strings.TrimSpace(r.Partner)),
		ProductKey:    strings.TrimSpace(r.ProductKey),
		RuleKind:      strings.ToLower(strings.TrimSpace(r.RuleKind)),
		Value:         CanonicalValue(r.Value),
		Currency:      strings.ToUpper(strings.TrimSpace(r.Currency)),
		EffectiveFrom: r.EffectiveFrom.Format("2006-01-02"),
		Notes:         r.Notes,
		SourceTier:    string(r.SourceTier),
	}
	if r.EffectiveTo != nil {
		f.EffectiveTo = r.EffectiveTo.Format("2006-01-02")
	}
	// Struct field order is fixed, so plain Marshal is canonical here.
	out, _ := json.Marshal(f)
	sum := sha256.Sum256(out)
	return hex.EncodeToString(sum[:])
}

// CanonicalValue normalizes a decimal string to its shortest exact form.
// Non-decimal input is returned trimmed rather than rejected; hashing
// must never fail on malformed upstream data.
func CanonicalValue(s string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return d.String()
}

// canonicalize walks v into a tree of JSON-marshalable values with
// deterministic ordering. Pointers, maps, and slices already being
// visited collapse to nil.
func canonicalize(v reflect.Value, seen map[uintptr]bool) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer {
			p := v.Pointer()
			if seen[p] {
				return nil
			}
			seen[p] = true
			defer delete(seen, p)
		}
		return canonicalize(v.Elem(), seen)

	case reflect.Struct:
		if t, ok := v.Interface().(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
		out := make(map[string]any, v.NumField())
		typ := v.Type()
		for i := 0; i < typ.NumField(); i++ {
			field := typ.Field(i)
			if !field.IsExported() {
				continue
			}
			name := field.Name
			if tag, ok := field.Tag.Lookup("json"); ok {
				parts := strings.Split(tag, ",")
				if parts[0] == "-" {
					continue
				}
				if parts[0] != "" {
					name = parts[0]
				}
			}
			out[name] = canonicalize(v.Field(i), seen)
		}
		return out

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		p := v.Pointer()
		if seen[p] {
			return nil
		}
		seen[p] = true
		defer delete(seen, p)

		keys := make([]string, 0, v.Len())
		byKey := make(map[string]reflect.Value, v.Len())
		for _, k := range v.MapKeys() {
			ks := fmt.Sprint(k.Interface())
			keys = append(keys, ks)
			byKey[ks] = v.MapIndex(k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(keys))
		for _, ks := range keys {
			out[ks] = canonicalize(byKey[ks], seen)
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(v.Bytes())
		}
		p := v.Pointer()
		if seen[p] {
			return nil
		}
		seen[p] = true
		defer delete(seen, p)
		return canonicalizeSeq(v, seen)

	case reflect.Array:
		return canonicalizeSeq(v, seen)

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return nil

	default:
		return v.Interface()
	}
}

func canonicalizeSeq(v reflect.Value, seen map[uintptr]bool) []any {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = canonicalize(v.Index(i), seen)
	}
	return out
}
