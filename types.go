package authstore

import (
	"bytes"
	"encoding/json"
	"time"
)

// KeyMap holds cryptographic key bundles as keyType -> keyID -> bundle.
// The inner mapping is sparse. In a patch, a null bundle deletes that key;
// an absent keyID leaves it unchanged.
type KeyMap map[string]map[string]json.RawMessage

// AuthSnapshot is the complete authentication state for one session
type AuthSnapshot struct {
	Creds    map[string]interface{} `json:"creds,omitempty"`
	Keys     KeyMap                 `json:"keys,omitempty"`
	AppState json.RawMessage        `json:"appState,omitempty"`
}

// AuthPatch is a partial AuthSnapshot. Any subset of the three sub-records
// may be present; Keys are merged incrementally, never replaced wholesale.
type AuthPatch struct {
	Creds    map[string]interface{} `json:"creds,omitempty"`
	Keys     KeyMap                 `json:"keys,omitempty"`
	AppState json.RawMessage        `json:"appState,omitempty"`
}

// IsEmpty reports whether the patch carries no changes
func (p AuthPatch) IsEmpty() bool {
	return p.Creds == nil && p.Keys == nil && len(p.AppState) == 0
}

// Versioned pairs a snapshot with its monotonic version
type Versioned struct {
	Data      *AuthSnapshot `json:"data"`
	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// VersionedMeta is the companion meta record kept independently readable
// for the cache-warming protocol
type VersionedMeta struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// VersionedResult is returned by writes
type VersionedResult struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Success   bool      `json:"success"`
}

var jsonNull = []byte("null")

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// ApplyPatch merges a patch into a snapshot in place.
// Creds are overwritten field by field (last writer wins on scalars),
// Keys are merged per keyType and per keyID with explicit-null deletion,
// AppState is replaced when present.
func ApplyPatch(snap *AuthSnapshot, patch AuthPatch) {
	if patch.Creds != nil {
		if snap.Creds == nil {
			snap.Creds = make(map[string]interface{}, len(patch.Creds))
		}
		for field, value := range patch.Creds {
			snap.Creds[field] = value
		}
	}

	if patch.Keys != nil {
		if snap.Keys == nil {
			snap.Keys = make(KeyMap, len(patch.Keys))
		}
		for keyType, bundles := range patch.Keys {
			existing := snap.Keys[keyType]
			if existing == nil {
				existing = make(map[string]json.RawMessage, len(bundles))
				snap.Keys[keyType] = existing
			}
			for keyID, bundle := range bundles {
				if isJSONNull(bundle) {
					delete(existing, keyID)
					continue
				}
				existing[keyID] = bundle
			}
			if len(existing) == 0 {
				delete(snap.Keys, keyType)
			}
		}
	}

	if len(patch.AppState) > 0 {
		if isJSONNull(patch.AppState) {
			snap.AppState = nil
		} else {
			snap.AppState = append(json.RawMessage(nil), patch.AppState...)
		}
	}
}

// Clone returns a deep copy of the snapshot. Callers that cache snapshots
// must never hand out the cached instance itself.
func (s *AuthSnapshot) Clone() *AuthSnapshot {
	if s == nil {
		return nil
	}

	out := &AuthSnapshot{}
	if s.Creds != nil {
		out.Creds = cloneValueMap(s.Creds)
	}
	if s.Keys != nil {
		out.Keys = make(KeyMap, len(s.Keys))
		for keyType, bundles := range s.Keys {
			copied := make(map[string]json.RawMessage, len(bundles))
			for keyID, bundle := range bundles {
				copied[keyID] = append(json.RawMessage(nil), bundle...)
			}
			out.Keys[keyType] = copied
		}
	}
	if len(s.AppState) > 0 {
		out.AppState = append(json.RawMessage(nil), s.AppState...)
	}
	return out
}

func cloneValueMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return cloneValueMap(tv)
	case []interface{}:
		copied := make([]interface{}, len(tv))
		for i, e := range tv {
			copied[i] = cloneValue(e)
		}
		return copied
	case []byte:
		return append([]byte(nil), tv...)
	default:
		return v
	}
}
