package e2e

import (
	"context"
	"fmt"
	"testing"

	"github.com/JB-SelfCompany/mailhub/internal/decoder"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
)

// setupBenchNode creates an initialized node that does not listen
func setupBenchNode(b *testing.B) (*TestNode, func()) {
	node := openTestNode(b, "bench", b.TempDir())
	return node, node.Cleanup
}

func benchMessages(b *testing.B, size, count int) []*decoder.Message {
	msgs := make([]*decoder.Message, count)
	for i := range msgs {
		msg, err := decoder.DecodeBytes(generateTestMail(size, fmt.Sprintf("Bench %d", i)))
		if err != nil {
			b.Fatalf("Decode failed: %v", err)
		}
		msgs[i] = msg
	}
	return msgs
}

// BenchmarkDeliver measures the commit path either side of the threshold.
func BenchmarkDeliver(b *testing.B) {
	sizes := []struct {
		name string
		size int
	}{
		{"1KB", 1024},
		{"1MB", 1024 * 1024},
		{"9MB", 9 * 1024 * 1024},
		{"11MB", 11 * 1024 * 1024},
		{"25MB", 25 * 1024 * 1024},
	}
	for _, sz := range sizes {
		b.Run(sz.name, func(b *testing.B) {
			node, cleanup := setupBenchNode(b)
			defer cleanup()

			msgs := benchMessages(b, sz.size, 4)
			ctx := context.Background()

			b.ResetTimer()
			b.SetBytes(int64(sz.size))
			for i := 0; i < b.N; i++ {
				if err := node.Mail.Deliver(ctx, []string{testAddress}, msgs[i%len(msgs)]); err != nil {
					b.Fatalf("Deliver failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkParallelDeliveries(b *testing.B) {
	node, cleanup := setupBenchNode(b)
	defer cleanup()

	messageSize := 12 * 1024 * 1024
	msgs := benchMessages(b, messageSize, 8)
	ctx := context.Background()

	b.ResetTimer()
	b.SetBytes(int64(messageSize))
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if err := node.Mail.Deliver(ctx, []string{testAddress}, msgs[i%len(msgs)]); err != nil {
				b.Errorf("Deliver failed: %v", err)
				return
			}
			i++
		}
	})
}

// BenchmarkReadRaw compares reading an inline message with streaming a
// file-backed one.
func BenchmarkReadRaw(b *testing.B) {
	for _, size := range []int{1024 * 1024, 20 * 1024 * 1024} {
		b.Run(fmt.Sprintf("%dMB", size/(1024*1024)), func(b *testing.B) {
			node, cleanup := setupBenchNode(b)
			defer cleanup()

			ctx := context.Background()
			if err := node.Mail.Deliver(ctx, []string{testAddress}, benchMessages(b, size, 1)[0]); err != nil {
				b.Fatalf("Deliver failed: %v", err)
			}
			inbox, err := node.Storage.FolderSelectByType(ctx, node.Alice.ID, types.FolderInbox)
			if err != nil {
				b.Fatalf("FolderSelectByType failed: %v", err)
			}
			ids, err := node.Storage.EmailIDs(ctx, inbox.ID)
			if err != nil || len(ids) != 1 {
				b.Fatalf("EmailIDs = %v, %v", ids, err)
			}

			b.ResetTimer()
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				e, err := node.Storage.EmailSelect(ctx, ids[0])
				if err != nil {
					b.Fatalf("EmailSelect failed: %v", err)
				}
				raw, err := node.Mail.RawMessage(e)
				if err != nil {
					b.Fatalf("RawMessage failed: %v", err)
				}
				if len(raw) < size {
					b.Fatalf("Read %d bytes, want at least %d", len(raw), size)
				}
			}
		})
	}
}

// BenchmarkSMTPDelivery includes the SMTP exchange and decoding.
func BenchmarkSMTPDelivery(b *testing.B) {
	node := setupTestNode(b, "smtp-bench")
	defer node.Cleanup()

	messageSize := 1024 * 1024
	data := generateTestMail(messageSize, "SMTP Bench")

	b.ResetTimer()
	b.SetBytes(int64(messageSize))
	for i := 0; i < b.N; i++ {
		if err := node.sendMail(data); err != nil {
			b.Fatalf("SMTP delivery failed: %v", err)
		}
	}
}

func BenchmarkStorageOverhead(b *testing.B) {
	node, cleanup := setupBenchNode(b)
	defer cleanup()

	ctx := context.Background()
	msgs := benchMessages(b, 11*1024*1024, 2)
	msgs = append(msgs, benchMessages(b, 64*1024, 2)...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := node.Mail.Deliver(ctx, []string{testAddress}, msgs[i%len(msgs)]); err != nil {
			b.Fatalf("Deliver failed: %v", err)
		}
	}
	b.StopTimer()

	stats, err := node.Storage.Stats(ctx)
	if err != nil {
		b.Fatalf("Stats failed: %v", err)
	}
	onDisk, err := node.FileStore.TotalSize()
	if err != nil {
		b.Fatalf("TotalSize failed: %v", err)
	}
	b.ReportMetric(float64(stats.FileCount), "files")
	b.ReportMetric(float64(stats.BlobCount), "blobs")
	if stats.FileSize > 0 {
		b.ReportMetric(float64(onDisk)/float64(stats.FileSize), "disk/logical")
	}
}
