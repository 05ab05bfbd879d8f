package discover

import "testing"

func TestDefaultWorkers(t *testing.T) {
	n := DefaultWorkers()
	if n < 1 || n > maxDefaultWorkers {
		t.Errorf("DefaultWorkers() = %d, want in [1,%d]", n, maxDefaultWorkers)
	}
}

func TestSystemMemory(t *testing.T) {
	total, available := SystemMemory()
	if total > 0 && available > total {
		t.Errorf("available %d exceeds total %d", available, total)
	}
}
