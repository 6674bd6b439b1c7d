package env

import (
	"strings"
	"testing"
	"time"

	"github.com/rfinnie/dsari-go/internal/job"
)

// FuzzBuildEnvironment fuzzes the job and global environment overlays
// fed into Build, to ensure no panic and basic well-formedness of the
// result regardless of input shape.
func FuzzBuildEnvironment(f *testing.F) {
	f.Add([]byte("A=1\nB=2"), []byte("FOO=bar"))
	f.Add([]byte(""), []byte("X=${not-expanded}"))
	f.Add([]byte("weird key=value"), []byte(""))

	f.Fuzz(func(t *testing.T, jobB []byte, globalB []byte) {
		j := job.NewJob("fuzz-job")
		j.Environment = splitNZ(string(jobB))
		r := job.NewRun(j)
		r.ScheduleTime = time.Unix(1, 0)
		r.StartTime = time.Unix(2, 0)

		out := Build(j, r, Context{
			DataDir:            "/data",
			JobDir:             "/data/runs/fuzz-job",
			RunDir:             "/data/runs/fuzz-job/" + r.ID,
			GlobalEnvironment:  splitNZ(string(globalB)),
			TriggerEnvironment: nil,
		})

		for _, kv := range out {
			if !strings.Contains(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
			if strings.HasPrefix(kv, "=") {
				t.Fatalf("empty key: %q", kv)
			}
		}
	})
}

// splitNZ splits s into a key/value map from newline-separated
// "k=v" lines, discarding malformed or empty lines.
func splitNZ(s string) map[string]string {
	out := map[string]string{}
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		i := strings.IndexByte(ln, '=')
		if i <= 0 {
			continue
		}
		out[ln[:i]] = ln[i+1:]
	}
	return out
}
