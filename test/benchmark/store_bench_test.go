package benchmark

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/localfs"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/test/testutil"
)

func benchStore(b *testing.B) *store.Store {
	b.Helper()
	s, err := store.Open(filepath.Join(b.TempDir(), "bench.db"), "", testutil.NewTestLogger())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { s.Close() })
	return s
}

func seedPairs(b *testing.B, s *store.Store, n int) {
	b.Helper()
	for i := 0; i < n; i++ {
		p := &models.Pair{
			LocalState:  models.StateCreated,
			RemoteState: models.StateUnknown,
		}
		p.UpdateLocal(fmt.Sprintf("dir-%d/file-%d.txt", i%50, i))
		if err := s.InsertPair(p); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkInsertPair(b *testing.B) {
	s := benchStore(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := &models.Pair{
			LocalState:  models.StateCreated,
			RemoteState: models.StateUnknown,
		}
		p.UpdateLocal(fmt.Sprintf("bench/file-%d.txt", i))
		if err := s.InsertPair(p); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkUpdatePair(b *testing.B) {
	s := benchStore(b)
	p := &models.Pair{
		LocalState:  models.StateCreated,
		RemoteState: models.StateUnknown,
	}
	p.UpdateLocal("bench/file.txt")
	if err := s.InsertPair(p); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.LocalDigest = fmt.Sprintf("%032d", i)
		if err := s.UpdatePair(p); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPendingPairs(b *testing.B) {
	s := benchStore(b)
	seedPairs(b, s, 5000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.PendingPairs(64); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkComputeDigest(b *testing.B) {
	dir := b.TempDir()
	cfg := config.DefaultConfig()
	holder := config.NewReloadableHolder(config.DefaultReloadable(cfg))

	local, err := localfs.NewLocalStore(filepath.Join(dir, "root"), filepath.Join(dir, "trash"),
		localfs.NewPlatformOps(), holder, testutil.NewTestLogger())
	if err != nil {
		b.Fatal(err)
	}

	content := make([]byte, 4<<20)
	for i := range content {
		content[i] = byte(i)
	}
	abs, err := local.AbsPath("big.bin")
	if err != nil {
		b.Fatal(err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(content)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := local.ComputeDigest("big.bin", "md5", nil); err != nil {
			b.Fatal(err)
		}
	}
}
