package core

import (
	"fmt"
	"strings"
	"testing"
)

func BenchmarkSubstitute(b *testing.B) {
	vars := NewVariables(nil)
	for i := 0; i < 50; i++ {
		vars.Set(fmt.Sprintf("VAR_%d", i), fmt.Sprintf("value-%d", i))
	}
	text := "deploy ${VAR_1} to $VAR_10 with $VAR_49 and $UNKNOWN in ${VAR_25}/$VAR_2"

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = vars.Substitute(text)
	}
}

func BenchmarkExtractOutputs(b *testing.B) {
	vars := NewVariables(nil)
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&sb, "line %d of build output\n", i)
	}
	sb.WriteString("::set-output name=VERSION::1.2.3\n")
	stdout := sb.String()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = vars.ExtractOutputs([]string{"VERSION", "MISSING"}, stdout, "")
	}
}

func BenchmarkRegistryAppendOutput(b *testing.B) {
	reg := NewRegistry()
	id := reg.StartCommand("bench", "")

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		reg.AppendOutput(id, "x\n")
		if i%1000 == 0 {
			reg.TrackProcesses(id, []int{1, 2, 3}, nil)
		}
	}
}

// Concurrent benchmarks
func BenchmarkConcurrentVariables(b *testing.B) {
	vars := NewVariables(map[string]string{"HOST": "localhost", "PORT": "8080"})

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if i%10 == 0 {
				vars.Set("PORT", fmt.Sprintf("%d", 8000+i%100))
			}
			_ = vars.Substitute("curl http://$HOST:${PORT}/health")
			i++
		}
	})
}
