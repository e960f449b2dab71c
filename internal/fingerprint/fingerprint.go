// Package fingerprint detects unchanged fetch results so that redundant cache
// writes and downstream reprocessing can be skipped.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

const prefix = "sha256:"

// Detector computes content fingerprints over normalized payloads.
type Detector struct {
	volatile map[string]struct{}
}

// New returns a Detector that ignores the given object keys at any depth.
// Use it for fields such as scrape timestamps that change on every fetch.
func New(volatileFields ...string) *Detector {
	d := &Detector{volatile: make(map[string]struct{}, len(volatileFields))}
	for _, f := range volatileFields {
		if f != "" {
			d.volatile[f] = struct{}{}
		}
	}
	return d
}

// ShouldPersist fingerprints payload and reports whether it differs from prior.
// An empty prior always counts as changed.
func (d *Detector) ShouldPersist(payload []byte, prior string) (string, bool) {
	fp := d.Fingerprint(payload)
	return fp, prior == "" || fp != prior
}

// Fingerprint returns the hex sha256 of the normalized payload.
func (d *Detector) Fingerprint(payload []byte) string {
	sum := sha256.Sum256(d.normalize(payload))
	return prefix + hex.EncodeToString(sum[:])
}

// normalize canonicalizes JSON (sorted keys, no insignificant whitespace,
// volatile keys removed). Anything that is not JSON is hashed as trimmed bytes.
func (d *Detector) normalize(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if !json.Valid(trimmed) {
		return trimmed
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return trimmed
	}
	out, err := json.Marshal(d.strip(v))
	if err != nil {
		return trimmed
	}
	return out
}

func (d *Detector) strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, drop := d.volatile[k]; drop {
				delete(t, k)
				continue
			}
			t[k] = d.strip(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = d.strip(child)
		}
		return t
	default:
		return v
	}
}
