package training

import "testing"

func TestClassName(t *testing.T) {
	tests := []struct {
		label    int
		expected string
	}{
		{0, "airplane"},
		{1, "automobile"},
		{5, "dog"},
		{9, "truck"},
	}
	for _, tt := range tests {
		got, err := ClassName(tt.label)
		if err != nil {
			t.Errorf("ClassName(%d) failed: %v", tt.label, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("ClassName(%d) = %q, want %q", tt.label, got, tt.expected)
		}
	}

	for _, label := range []int{-1, 10, 100} {
		if _, err := ClassName(label); err == nil {
			t.Errorf("expected error for label %d", label)
		}
	}
}

func TestClassNamesCopy(t *testing.T) {
	names := ClassNames()
	if len(names) != 10 {
		t.Fatalf("expected 10 class names, got %d", len(names))
	}
	names[0] = "mutated"
	fresh, err := ClassName(0)
	if err != nil {
		t.Fatalf("ClassName(0) failed: %v", err)
	}
	if fresh != "airplane" {
		t.Errorf("ClassNames() returned a shared slice, ClassName(0) = %q", fresh)
	}
}
