package encoding

import (
	"sync"
	"testing"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "doctor_7"},
		{"int64", int64(9876543210)},
		{"float64", 3.14159},
		{"bool", true},
		{"row", map[string]interface{}{"id": "p_1", "bmi": "22.4"}},
		{"touch_payload", map[string]interface{}{
			"patients": map[string]interface{}{
				"id":        "p_1",
				"doctor_id": "d_9",
			},
			"doctors": map[string]interface{}{"id": "d_9"},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}
		})
	}
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	// Row values travel as text; a value must not come back as []byte
	// or downstream primary-key comparisons break.
	original := "p_000000013049"
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	str, ok := result.(string)
	if !ok {
		t.Fatalf("Expected string type, got %T", result)
	}
	if str != original {
		t.Errorf("String mismatch: got %q, want %q", str, original)
	}
}

func TestUnmarshal_ReferencedRows(t *testing.T) {
	original := map[string]interface{}{
		"patients": map[string]interface{}{
			"id":        "p_1",
			"doctor_id": "d_9",
			"photo":     []byte{0xDE, 0xAD},
		},
	}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	m, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map[string]interface{}, got %T", result)
	}
	row, ok := m["patients"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected nested map, got %T", m["patients"])
	}

	if v, ok := row["id"].(string); !ok || v != "p_1" {
		t.Errorf("id: got %T %v", row["id"], row["id"])
	}
	// Loose decoding turns msgpack bin into a Go string.
	if _, ok := row["photo"].(string); !ok {
		t.Errorf("photo: got %T, want string", row["photo"])
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	numGoroutines := 50
	iterations := 500

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				payload := map[string]interface{}{
					"goroutine": id,
					"iteration": j,
					"row":       map[string]interface{}{"id": "p_1"},
				}
				result, err := Marshal(payload)
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				if len(result) == 0 {
					t.Error("Expected non-empty result")
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func BenchmarkMarshal(b *testing.B) {
	payload := map[string]interface{}{
		"table":  "patients",
		"row":    map[string]string{"id": "p_1", "doctor_id": "d_9"},
		"values": []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Marshal(payload)
	}
}
