package registry

import "testing"

func TestJobIdGeneratorNeverEmitsZero(t *testing.T) {
	g := NewJobIdGenerator()
	for i := 0; i < 0x20000; i++ {
		id := g.Next()
		if id == "0" {
			t.Fatalf("generator emitted the zero id at iteration %d", i)
		}
	}
}

func TestJobIdGeneratorProducesDistinctIdsBetweenRollovers(t *testing.T) {
	g := NewJobIdGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if seen[id] {
			t.Fatalf("job id %q repeated before a rollover was expected", id)
		}
		seen[id] = true
	}
}
