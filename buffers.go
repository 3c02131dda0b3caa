package authstore

import "math"

// Byte-sequence fields inside creds must be raw []byte at the interface
// boundary. Clients that round-trip state through JSON tend to hand back
// object encodings instead ({"type":"Buffer","data":[...]} and friends);
// ReviveBuffers converts those back into []byte in a single recursive walk,
// and ValidatePatchBuffers rejects whatever survives revival.

// hasByteMarker detects the byte-object shape by its marker and data key
// alone. Whether the payload is actually revivable is a separate question;
// a marked object with garbage data must still be treated as byte-like so
// validation can reject it.
func hasByteMarker(m map[string]interface{}) bool {
	if _, ok := m["data"]; !ok {
		return false
	}
	switch m["type"] {
	case "Buffer", "bytes":
		return true
	}
	return m["kind"] == "bytes"
}

// byteValues converts the data array to raw bytes, failing on non-integer
// or out-of-range elements
func byteValues(m map[string]interface{}) ([]byte, bool) {
	arr, ok := m["data"].([]interface{})
	if !ok {
		return nil, false
	}

	buf := make([]byte, len(arr))
	for i, e := range arr {
		f, ok := e.(float64)
		if !ok || f != math.Trunc(f) || f < 0 || f > 255 {
			return nil, false
		}
		buf[i] = byte(f)
	}
	return buf, true
}

func reviveValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		if hasByteMarker(tv) {
			if buf, ok := byteValues(tv); ok {
				return buf
			}
			// marked but unrevivable; left in place for validation to reject
			return tv
		}
		for k, e := range tv {
			tv[k] = reviveValue(e)
		}
		return tv
	case []interface{}:
		for i, e := range tv {
			tv[i] = reviveValue(e)
		}
		return tv
	default:
		return v
	}
}

// ReviveBuffers normalizes byte-like object encodings inside the patch creds
// into raw byte slices. It mutates the patch and returns it for chaining.
func ReviveBuffers(patch AuthPatch) AuthPatch {
	if patch.Creds != nil {
		for field, value := range patch.Creds {
			patch.Creds[field] = reviveValue(value)
		}
	}
	return patch
}

func findByteLikeObject(v interface{}) bool {
	switch tv := v.(type) {
	case map[string]interface{}:
		if hasByteMarker(tv) {
			return true
		}
		for _, e := range tv {
			if findByteLikeObject(e) {
				return true
			}
		}
	case []interface{}:
		for _, e := range tv {
			if findByteLikeObject(e) {
				return true
			}
		}
	}
	return false
}

// ValidatePatchBuffers rejects patches whose creds still carry byte-like
// object encodings. Call after ReviveBuffers, or directly when the caller
// promises raw buffers.
func ValidatePatchBuffers(patch AuthPatch) error {
	for field, value := range patch.Creds {
		if findByteLikeObject(value) {
			return WithContext(ErrInvalidPatch, map[string]interface{}{
				"field":  field,
				"reason": "byte-like object encoding, expected raw bytes",
			})
		}
	}
	return nil
}
