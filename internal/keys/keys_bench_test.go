package keys

import "testing"

func BenchmarkKeys_Builders(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Task("acme", "t1")
		_ = Status("acme", "QUEUED")
	}
}

func BenchmarkKeys_For(b *testing.B) {
	k := For("acme")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = k.Task("t1")
		_ = k.Status("QUEUED")
	}
}
