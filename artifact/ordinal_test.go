package artifact

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNextOrdinal_MonotonicAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	for want := uint64(1); want <= 3; want++ {
		got, err := NextOrdinal(dir, "payments")
		if err != nil {
			t.Fatalf("call %d: %v", want, err)
		}
		if got != want {
			t.Errorf("ordinal = %d, want %d", got, want)
		}
	}
}

func TestNextOrdinal_PerPipelineCounters(t *testing.T) {
	dir := t.TempDir()

	if _, err := NextOrdinal(dir, "payments"); err != nil {
		t.Fatal(err)
	}
	got, err := NextOrdinal(dir, "billing")
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("billing ordinal = %d, want its own counter starting at 1", got)
	}
}

func TestNextOrdinal_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "payments.ordinal"), []byte("not-a-number"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NextOrdinal(dir, "payments"); err == nil {
		t.Error("corrupt counter should surface an error, not silently reset")
	}
}
