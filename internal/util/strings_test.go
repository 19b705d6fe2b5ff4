package util

import (
	"reflect"
	"testing"
)

func TestSplitCSV(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", nil},
		{"single value", ".sql", []string{".sql"}},
		{"multiple values", ".sql,.pls,.bteq", []string{".sql", ".pls", ".bteq"}},
		{"with whitespace", " .sql , .pls ", []string{".sql", ".pls"}},
		{"trailing comma", ".sql,", []string{".sql"}},
		{"only commas", ",,,", nil},
		{"whitespace between commas", " , , ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SplitCSV(tt.input)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("SplitCSV(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeExtensions(t *testing.T) {
	got := NormalizeExtensions([]string{"SQL", ".pls", "", " .Sql ", "bteq"})
	want := []string{".sql", ".pls", ".bteq"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeExtensions() = %v, want %v", got, want)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"short", "timeout", 20, "timeout"},
		{"exact", "timeout", 7, "timeout"},
		{"cut", "connection reset by peer", 10, "connection..."},
		{"no limit", "anything", 0, "anything"},
		{"multibyte boundary", "abécd", 3, "ab..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
