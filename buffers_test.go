package authstore

import (
	"bytes"
	"testing"
)

func TestReviveBuffers_NodeBufferEncoding(t *testing.T) {
	patch := AuthPatch{
		Creds: map[string]interface{}{
			"noiseKey": map[string]interface{}{
				"type": "Buffer",
				"data": []interface{}{float64(1), float64(2), float64(255)},
			},
		},
	}

	ReviveBuffers(patch)

	buf, ok := patch.Creds["noiseKey"].([]byte)
	if !ok {
		t.Fatalf("expected []byte, got %T", patch.Creds["noiseKey"])
	}
	if !bytes.Equal(buf, []byte{1, 2, 255}) {
		t.Errorf("wrong bytes: %v", buf)
	}
}

func TestReviveBuffers_NestedAndKindVariant(t *testing.T) {
	patch := AuthPatch{
		Creds: map[string]interface{}{
			"signedIdentityKey": map[string]interface{}{
				"private": map[string]interface{}{
					"kind": "bytes",
					"data": []interface{}{float64(9)},
				},
				"label": "keep-me",
			},
			"list": []interface{}{
				map[string]interface{}{
					"type": "bytes",
					"data": []interface{}{float64(7), float64(8)},
				},
			},
		},
	}

	ReviveBuffers(patch)

	outer := patch.Creds["signedIdentityKey"].(map[string]interface{})
	if buf, ok := outer["private"].([]byte); !ok || !bytes.Equal(buf, []byte{9}) {
		t.Errorf("nested byte object not revived: %v", outer["private"])
	}
	if outer["label"] != "keep-me" {
		t.Errorf("sibling field damaged: %v", outer["label"])
	}

	list := patch.Creds["list"].([]interface{})
	if buf, ok := list[0].([]byte); !ok || !bytes.Equal(buf, []byte{7, 8}) {
		t.Errorf("byte object inside array not revived: %v", list[0])
	}
}

func TestReviveBuffers_RejectsOutOfRangeValues(t *testing.T) {
	patch := AuthPatch{
		Creds: map[string]interface{}{
			"bad": map[string]interface{}{
				"type": "Buffer",
				"data": []interface{}{float64(256)},
			},
		},
	}

	ReviveBuffers(patch)

	// 256 is not a byte, so the object must survive unrevived and then
	// fail validation
	if _, ok := patch.Creds["bad"].([]byte); ok {
		t.Fatal("object with out-of-range data must not revive")
	}
	if err := ValidatePatchBuffers(patch); err == nil {
		t.Fatal("expected validation error for unrevived byte object")
	}
}

func TestValidatePatchBuffers(t *testing.T) {
	clean := AuthPatch{
		Creds: map[string]interface{}{
			"noiseKey": []byte{1, 2},
			"platform": "web",
		},
	}
	if err := ValidatePatchBuffers(clean); err != nil {
		t.Fatalf("clean patch rejected: %v", err)
	}

	dirty := AuthPatch{
		Creds: map[string]interface{}{
			"noiseKey": map[string]interface{}{
				"type": "Buffer",
				"data": []interface{}{float64(1)},
			},
		},
	}
	err := ValidatePatchBuffers(dirty)
	if err == nil {
		t.Fatal("expected error for byte-like object encoding")
	}
	if !IsPermanent(err) {
		t.Errorf("expected a permanent invalid-patch error, got %v", err)
	}
}

func TestValidatePatchBuffers_RejectsUnrevivableMarkedObjects(t *testing.T) {
	cases := []struct {
		name string
		data interface{}
	}{
		{"out of range element", []interface{}{float64(999)}},
		{"fractional element", []interface{}{float64(1.5)}},
		{"non-numeric element", []interface{}{"ff"}},
		{"data is not an array", "AQID"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patch := AuthPatch{
				Creds: map[string]interface{}{
					"noiseKey": map[string]interface{}{
						"type": "Buffer",
						"data": tc.data,
					},
				},
			}
			ReviveBuffers(patch)
			if err := ValidatePatchBuffers(patch); err == nil {
				t.Error("marked object that cannot revive must fail validation")
			}
		})
	}
}
