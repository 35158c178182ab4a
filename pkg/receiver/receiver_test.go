// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/LeeDigitalWorks/zapup/pkg/manifest"
	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
	"github.com/LeeDigitalWorks/zapup/pkg/session"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Test Helpers
// ============================================================================

const testDir = "/uploads"

func docsSession() session.Config {
	return session.Defaults("docs", testDir)
}

func newTestReceiver(t *testing.T, fs afero.Fs, cfgs ...session.Config) (*Receiver, *manifest.MemoryStore) {
	t.Helper()
	if len(cfgs) == 0 {
		cfgs = []session.Config{docsSession()}
	}
	for _, c := range cfgs {
		require.NoError(t, fs.MkdirAll(c.UploadPath, 0o755))
	}
	reg, err := session.NewRegistry(cfgs...)
	require.NoError(t, err)

	store := manifest.NewMemoryStore()
	r := New(fs, reg, store, Config{MergeRetries: 3})
	r.randSuffix = func() int { return 42 }
	return r, store
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}

// chunk builds the metadata and body of one chunk of data.
func chunk(sessionName, fileName string, data []byte, chunkSize int64, idx uint64) (protocol.ChunkMetadata, []byte) {
	plan := protocol.Plan(int64(len(data)), chunkSize)
	d := plan[idx]
	meta := protocol.ChunkMetadata{
		FileName:    fileName,
		ChunkIndex:  d.Index,
		TotalChunks: d.Total,
		FileSize:    uint64(len(data)),
		ChunkLength: d.Length,
		SessionName: sessionName,
	}
	meta.Checksum = protocol.Checksum(meta.ChunkIndex, meta.FileName, meta.FileSize)
	return meta, data[d.Offset : d.Offset+d.Length]
}

func send(t *testing.T, r *Receiver, meta protocol.ChunkMetadata, body []byte) (Result, error) {
	t.Helper()
	return r.AcceptChunk(context.Background(), meta, bytes.NewReader(body))
}

// uploadAll sends every chunk in the given order and returns the final result.
func uploadAll(t *testing.T, r *Receiver, fileName string, data []byte, chunkSize int64, order []uint64) Result {
	t.Helper()
	var last Result
	for i, idx := range order {
		meta, body := chunk("docs", fileName, data, chunkSize, idx)
		res, err := send(t, r, meta, body)
		require.NoError(t, err)
		if i < len(order)-1 {
			require.False(t, res.Complete, "chunk %d completed early", idx)
		}
		last = res
	}
	return last
}

func tempChunks(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()
	entries, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.Contains(e.Name(), protocol.TempChunkSuffix) {
			out = append(out, e.Name())
		}
	}
	return out
}

func dirNames(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()
	entries, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

// faultyFs fails selected operations a fixed number of times.
type faultyFs struct {
	afero.Fs

	mu sync.Mutex
	// openFailures maps a base name to the number of failing Open calls.
	openFailures map[string]int
	// createFailures fails opening the merge destination.
	createFailures int
	// writeFailures makes destination writes fail halfway through.
	writeFailures int
}

var errInjected = errors.New("injected fault")

func newFaultyFs() *faultyFs {
	return &faultyFs{Fs: afero.NewMemMapFs(), openFailures: make(map[string]int)}
}

func (f *faultyFs) Open(name string) (afero.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := filepath.Base(name)
	if f.openFailures[base] > 0 {
		f.openFailures[base]--
		return nil, &os.PathError{Op: "open", Path: name, Err: errInjected}
	}
	return f.Fs.Open(name)
}

func (f *faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if strings.Contains(name, protocol.TempChunkSuffix) {
		return f.Fs.OpenFile(name, flag, perm)
	}
	f.mu.Lock()
	if f.createFailures > 0 {
		f.createFailures--
		f.mu.Unlock()
		return nil, &os.PathError{Op: "open", Path: name, Err: errInjected}
	}
	f.mu.Unlock()

	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f}, nil
}

type faultyFile struct {
	afero.File
	fs *faultyFs
}

func (f *faultyFile) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	fail := f.fs.writeFailures > 0
	if fail {
		f.fs.writeFailures--
	}
	f.fs.mu.Unlock()
	if fail {
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errInjected
	}
	return f.File.Write(p)
}

// ============================================================================
// Chunk acceptance
// ============================================================================

func TestAcceptChunk_OutOfOrderFiveMegabytes(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, _ := newTestReceiver(t, fs)
	data := testData(5 << 20)

	var results []Result
	for _, idx := range []uint64{1, 0, 2} {
		meta, body := chunk("docs", "report.pdf", data, 2<<20, idx)
		res, err := send(t, r, meta, body)
		require.NoError(t, err)
		results = append(results, res)
	}

	assert.False(t, results[0].Complete)
	assert.False(t, results[1].Complete)
	require.True(t, results[2].Complete)
	assert.Equal(t, filepath.Join(testDir, "report.pdf"), results[2].Path)

	got, err := afero.ReadFile(fs, results[2].Path)
	require.NoError(t, err)
	assert.Len(t, got, 5<<20)
	assert.True(t, bytes.Equal(data, got))
	assert.Empty(t, tempChunks(t, fs, testDir))
}

func TestAcceptChunk_AnyArrivalOrderProducesSameFile(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	const chunkSize = 1000

	for n := 1; n <= 7; n++ {
		data := testData(n*chunkSize - rng.IntN(chunkSize/2))
		for trial := 0; trial < 4; trial++ {
			fs := afero.NewMemMapFs()
			r, _ := newTestReceiver(t, fs)

			order := make([]uint64, n)
			for i, p := range rng.Perm(n) {
				order[i] = uint64(p)
			}
			res := uploadAll(t, r, "perm.bin", data, chunkSize, order)
			require.True(t, res.Complete, "n=%d order=%v", n, order)

			got, err := afero.ReadFile(fs, res.Path)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "n=%d order=%v", n, order)
			assert.Empty(t, tempChunks(t, fs, testDir))
		}
	}
}

func TestAcceptChunk_ResubmitAfterCompletionDoesNotMergeAgain(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := docsSession()
	cfg.AllowMultipleFiles = true
	r, store := newTestReceiver(t, fs, cfg)
	data := testData(3000)

	res := uploadAll(t, r, "dup.bin", data, 1000, []uint64{0, 1, 2})
	require.True(t, res.Complete)

	meta, body := chunk("docs", "dup.bin", data, 1000, 2)
	again, err := send(t, r, meta, body)
	require.NoError(t, err)
	assert.False(t, again.Complete)

	paths, err := store.StoredFiles(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, []string{res.Path}, paths)
}

func TestAcceptChunk_ConcurrentChunks(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, _ := newTestReceiver(t, fs)
	data := testData(16 * 512)

	var wg sync.WaitGroup
	results := make([]Result, 16)
	for i := range uint64(16) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			meta, body := chunk("docs", "par.bin", data, 512, i)
			res, err := send(t, r, meta, body)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	completed := 0
	var path string
	for _, res := range results {
		if res.Complete {
			completed++
			path = res.Path
		}
	}
	require.Equal(t, 1, completed)
	got, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestAcceptChunk_SingleChunkWrittenDirectly(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, store := newTestReceiver(t, fs)
	data := testData(100)

	meta, body := chunk("docs", "small.txt", data, protocol.DefaultChunkSize, 0)
	res, err := send(t, r, meta, body)
	require.NoError(t, err)
	require.True(t, res.Complete)

	got, err := afero.ReadFile(fs, filepath.Join(testDir, "small.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, []string{"small.txt"}, dirNames(t, fs, testDir))

	paths, err := store.StoredFiles(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, []string{res.Path}, paths)
}

func TestAcceptChunk_EmptyFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, _ := newTestReceiver(t, fs)

	meta, body := chunk("docs", "empty.txt", nil, protocol.DefaultChunkSize, 0)
	res, err := send(t, r, meta, body)
	require.NoError(t, err)
	require.True(t, res.Complete)

	info, err := fs.Stat(res.Path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

// ============================================================================
// Validation
// ============================================================================

func TestAcceptChunk_ChecksumMismatch(t *testing.T) {
	t.Parallel()

	data := testData(3000)
	tests := []struct {
		name   string
		mutate func(m *protocol.ChunkMetadata)
	}{
		{"chunk index", func(m *protocol.ChunkMetadata) { m.ChunkIndex = 2 }},
		{"file name", func(m *protocol.ChunkMetadata) { m.FileName = "other.pdf" }},
		{"file size", func(m *protocol.ChunkMetadata) { m.FileSize = 2999 }},
		{"checksum", func(m *protocol.ChunkMetadata) { m.Checksum = "12345" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := afero.NewMemMapFs()
			r, _ := newTestReceiver(t, fs)

			meta, body := chunk("docs", "report.pdf", data, 1000, 1)
			tc.mutate(&meta)
			for range 3 {
				_, err := send(t, r, meta, body)
				require.Error(t, err)
				assert.Equal(t, CodeIntegrityError, CodeOf(err))
				assert.False(t, IsRecoverable(err))
			}
			assert.Empty(t, dirNames(t, fs, testDir))
		})
	}
}

func TestAcceptChunk_ExtensionNotAllowed(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := docsSession()
	cfg.AllowedExtensions = []string{"pdf"}
	r, _ := newTestReceiver(t, fs, cfg)

	meta, body := chunk("docs", "report.exe", testData(3000), 1000, 0)
	_, err := send(t, r, meta, body)
	require.Error(t, err)
	assert.Equal(t, CodeValidationError, CodeOf(err))
	assert.ErrorIs(t, err, ErrExtensionNotAllowed)
	assert.False(t, IsRecoverable(err))
	assert.Empty(t, dirNames(t, fs, testDir))
}

func TestAcceptChunk_Rejections(t *testing.T) {
	t.Parallel()

	data := testData(3000)
	tests := []struct {
		name    string
		mutate  func(m *protocol.ChunkMetadata)
		code    Code
		wantErr error
		// keepChecksum leaves the original checksum in place after mutate.
		keepChecksum bool
	}{
		{
			name:         "missing file name",
			mutate:       func(m *protocol.ChunkMetadata) { m.FileName = "" },
			code:         CodeMalformedRequest,
			keepChecksum: true,
		},
		{
			name:         "missing checksum",
			mutate:       func(m *protocol.ChunkMetadata) { m.Checksum = "" },
			code:         CodeMalformedRequest,
			keepChecksum: true,
		},
		{
			name:   "index out of range",
			mutate: func(m *protocol.ChunkMetadata) { m.ChunkIndex = 3 },
			code:   CodeMalformedRequest,
		},
		{
			name:    "unknown session",
			mutate:  func(m *protocol.ChunkMetadata) { m.SessionName = "nope" },
			code:    CodeValidationError,
			wantErr: ErrUnknownSession,
		},
		{
			name:    "path traversal",
			mutate:  func(m *protocol.ChunkMetadata) { m.FileName = "../etc/passwd" },
			code:    CodeValidationError,
			wantErr: ErrInvalidFileName,
		},
		{
			name:    "colon",
			mutate:  func(m *protocol.ChunkMetadata) { m.FileName = "c:evil.pdf" },
			code:    CodeValidationError,
			wantErr: ErrInvalidFileName,
		},
		{
			name:    "declared size over limit",
			mutate:  func(m *protocol.ChunkMetadata) { m.FileSize = 11 << 20 },
			code:    CodeValidationError,
			wantErr: ErrFileTooLarge,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := afero.NewMemMapFs()
			r, _ := newTestReceiver(t, fs)

			meta, body := chunk("docs", "report.pdf", data, 1000, 0)
			tc.mutate(&meta)
			if !tc.keepChecksum {
				meta.Checksum = protocol.Checksum(meta.ChunkIndex, meta.FileName, meta.FileSize)
			}

			_, err := send(t, r, meta, body)
			require.Error(t, err)
			assert.Equal(t, tc.code, CodeOf(err))
			assert.False(t, IsRecoverable(err))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			assert.Empty(t, dirNames(t, fs, testDir))
		})
	}
}

func TestAcceptChunk_ChunkLayoutBoundsStagedBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		index    uint64
		total    uint64
		fileSize uint64
		length   int64
		accepted bool
	}{
		{name: "chunks inflate declared size", index: 0, total: 1000, fileSize: 1000, length: 1000},
		{name: "more chunks than bytes", index: 0, total: 11, fileSize: 10, length: 1},
		{name: "zero length middle chunk", index: 1, total: 3, fileSize: 10, length: 0},
		{name: "last chunk too long", index: 2, total: 3, fileSize: 10, length: 9},
		{name: "huge count does not overflow", index: 0, total: 1 << 62, fileSize: 1000, length: 1},
		{name: "regular middle chunk", index: 2, total: 4, fileSize: 1000, length: 300, accepted: true},
		{name: "regular last chunk", index: 3, total: 4, fileSize: 1000, length: 100, accepted: true},
		{name: "file exactly at limit", index: 0, total: 4, fileSize: 1000, length: 300, accepted: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := afero.NewMemMapFs()
			cfg := docsSession()
			cfg.MaxFileSize = 1000
			r, _ := newTestReceiver(t, fs, cfg)

			meta := protocol.ChunkMetadata{
				FileName:    "layout.bin",
				ChunkIndex:  tc.index,
				TotalChunks: tc.total,
				FileSize:    tc.fileSize,
				ChunkLength: tc.length,
				SessionName: "docs",
			}
			meta.Checksum = protocol.Checksum(meta.ChunkIndex, meta.FileName, meta.FileSize)

			_, err := send(t, r, meta, testData(int(tc.length)))
			if tc.accepted {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrChunkLayout)
			assert.Equal(t, CodeValidationError, CodeOf(err))
			assert.False(t, IsRecoverable(err))
			assert.Empty(t, dirNames(t, fs, testDir))
		})
	}

	// Fifty chunks of an inflated layout stage nothing.
	fs := afero.NewMemMapFs()
	cfg := docsSession()
	cfg.MaxFileSize = 1000
	r, _ := newTestReceiver(t, fs, cfg)
	for idx := range uint64(50) {
		meta := protocol.ChunkMetadata{
			FileName:    "flood.bin",
			ChunkIndex:  idx,
			TotalChunks: 1000,
			FileSize:    1000,
			ChunkLength: 1000,
			SessionName: "docs",
		}
		meta.Checksum = protocol.Checksum(idx, meta.FileName, meta.FileSize)
		_, err := send(t, r, meta, testData(1000))
		require.ErrorIs(t, err, ErrChunkLayout)
	}
	assert.Empty(t, dirNames(t, fs, testDir))
}

func TestAcceptChunk_ShortBodyIsRecoverable(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, store := newTestReceiver(t, fs)
	data := testData(3000)

	meta, body := chunk("docs", "short.bin", data, 1000, 1)
	_, err := send(t, r, meta, body[:600])
	require.Error(t, err)
	assert.Equal(t, CodeTransientIO, CodeOf(err))
	assert.ErrorIs(t, err, ErrShortBody)
	assert.True(t, IsRecoverable(err))
	assert.Empty(t, tempChunks(t, fs, testDir))

	received, err := store.Received(context.Background(), meta.Identity())
	require.NoError(t, err)
	assert.Empty(t, received)

	// Resending the full chunk succeeds.
	_, err = send(t, r, meta, body)
	require.NoError(t, err)
}

func TestAcceptChunk_PayloadDigest(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, _ := newTestReceiver(t, fs)
	data := testData(2000)

	meta, body := chunk("docs", "digest.bin", data, 1000, 0)
	sum := sha256.Sum256(body)
	meta.Digest = hex.EncodeToString(sum[:])
	_, err := send(t, r, meta, body)
	require.NoError(t, err)

	meta, body = chunk("docs", "digest.bin", data, 1000, 1)
	meta.Digest = hex.EncodeToString(sum[:])
	_, err = send(t, r, meta, body)
	require.Error(t, err)
	assert.Equal(t, CodeDigestMismatch, CodeOf(err))
	assert.True(t, IsRecoverable(err))
	assert.Equal(t, []string{protocol.TempChunkName(0, meta.Identity().SessionID)}, tempChunks(t, fs, testDir))
}

func TestAcceptChunk_TransferIDSeparatesIdentities(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := docsSession()
	cfg.Overwrite = false
	r, _ := newTestReceiver(t, fs, cfg)
	a := testData(2000)
	b := bytes.Repeat([]byte{0xAB}, 2000)

	// Interleave two uploads with the same name and size.
	for idx := range uint64(2) {
		for _, u := range []struct {
			id   string
			data []byte
		}{{"upload-a", a}, {"upload-b", b}} {
			meta, body := chunk("docs", "same.bin", u.data, 1000, idx)
			meta.TransferID = u.id
			_, err := send(t, r, meta, body)
			require.NoError(t, err)
		}
	}

	first, err := afero.ReadFile(fs, filepath.Join(testDir, "same.bin"))
	require.NoError(t, err)
	second, err := afero.ReadFile(fs, filepath.Join(testDir, "same_421.bin"))
	require.NoError(t, err)
	assert.Equal(t, a, first)
	assert.Equal(t, b, second)
}

// ============================================================================
// Final names
// ============================================================================

func TestMerge_OverwriteDisabledKeepsOriginal(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := docsSession()
	cfg.Overwrite = false
	r, _ := newTestReceiver(t, fs, cfg)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(testDir, "report.pdf"), []byte("original"), 0o644))

	data := testData(3000)
	res := uploadAll(t, r, "report.pdf", data, 1000, []uint64{0, 1, 2})
	require.True(t, res.Complete)

	assert.Regexp(t, regexp.MustCompile(`^report_\d+\.pdf$`), filepath.Base(res.Path))
	assert.Equal(t, filepath.Join(testDir, "report_421.pdf"), res.Path)

	original, err := afero.ReadFile(fs, filepath.Join(testDir, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), original)

	got, err := afero.ReadFile(fs, res.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMerge_OverwriteDisabledSkipsTakenSuffixes(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := docsSession()
	cfg.Overwrite = false
	r, _ := newTestReceiver(t, fs, cfg)
	for _, name := range []string{"a.txt", "a_421.txt", "a_422.txt"} {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(testDir, name), []byte("x"), 0o644))
	}

	res := uploadAll(t, r, "a.txt", testData(20), 10, []uint64{1, 0})
	require.True(t, res.Complete)
	assert.Equal(t, filepath.Join(testDir, "a_423.txt"), res.Path)
}

func TestMerge_OverwriteEnabledReplaces(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, _ := newTestReceiver(t, fs)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(testDir, "report.pdf"), bytes.Repeat([]byte("old"), 5000), 0o644))

	data := testData(3000)
	res := uploadAll(t, r, "report.pdf", data, 1000, []uint64{2, 1, 0})
	assert.Equal(t, filepath.Join(testDir, "report.pdf"), res.Path)

	got, err := afero.ReadFile(fs, res.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMerge_RenameTemplateKeepsExtension(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := docsSession()
	cfg.RenameTemplate = "{session}-{name}-final"
	r, _ := newTestReceiver(t, fs, cfg)

	res := uploadAll(t, r, "report.pdf", testData(3000), 1000, []uint64{0, 1, 2})
	assert.Equal(t, filepath.Join(testDir, "docs-report-final.pdf"), res.Path)
}

func TestBaseName(t *testing.T) {
	t.Parallel()

	r, _ := newTestReceiver(t, afero.NewMemMapFs())
	cfg := docsSession()

	assert.Equal(t, "a.pdf", r.baseName(cfg, "a.pdf"))

	cfg.RenameTemplate = "avatar"
	assert.Equal(t, "avatar.png", r.baseName(cfg, "me.png"))
	assert.Equal(t, "avatar", r.baseName(cfg, "noext"))

	cfg.RenameTemplate = "{name}/../x"
	assert.Equal(t, "me_.._x.png", r.baseName(cfg, "me.png"))

	cfg.RenameTemplate = "{uuid}"
	assert.Len(t, r.baseName(cfg, "me.png"), 36+len(".png"))
}

func TestValidFileName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"report.pdf", "my report (1).pdf", "ünïcødé.txt", "a|b.txt"} {
		assert.True(t, ValidFileName(name), name)
	}
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "a:b", "a*b", "a<b", "a>b", "a?b", "a\x00b"} {
		assert.False(t, ValidFileName(name), "%q", name)
	}
}

// ============================================================================
// Merge retries
// ============================================================================

func TestMerge_TransientFailuresBelowBudgetSucceed(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	sid := protocol.SessionID("retry.bin", uint64(len(data)), "")

	tests := []struct {
		name   string
		inject func(f *faultyFs)
	}{
		{"no faults", func(f *faultyFs) {}},
		{"one chunk twice", func(f *faultyFs) { f.openFailures[protocol.TempChunkName(1, sid)] = 2 }},
		{"two chunks once each", func(f *faultyFs) {
			f.openFailures[protocol.TempChunkName(0, sid)] = 1
			f.openFailures[protocol.TempChunkName(3, sid)] = 1
		}},
		{"destination twice", func(f *faultyFs) { f.createFailures = 2 }},
		{"partial write once", func(f *faultyFs) { f.writeFailures = 1 }},
		{"partial write twice", func(f *faultyFs) { f.writeFailures = 2 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := newFaultyFs()
			r, _ := newTestReceiver(t, fs)

			// Faults apply only to the merge, after every chunk is staged.
			for _, idx := range []uint64{0, 1, 2} {
				meta, body := chunk("docs", "retry.bin", data, 1000, idx)
				_, err := send(t, r, meta, body)
				require.NoError(t, err)
			}
			tc.inject(fs)

			meta, body := chunk("docs", "retry.bin", data, 1000, 3)
			res, err := send(t, r, meta, body)
			require.NoError(t, err)
			require.True(t, res.Complete)

			got, err := afero.ReadFile(fs, res.Path)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))
			assert.Empty(t, tempChunks(t, fs, testDir))
		})
	}
}

func TestMerge_BudgetExhaustedAbortsCleanly(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	sid := protocol.SessionID("abort.bin", uint64(len(data)), "")

	tests := []struct {
		name   string
		inject func(f *faultyFs)
	}{
		{"one chunk three times", func(f *faultyFs) { f.openFailures[protocol.TempChunkName(2, sid)] = 3 }},
		{"shared across chunks", func(f *faultyFs) {
			f.openFailures[protocol.TempChunkName(0, sid)] = 2
			f.openFailures[protocol.TempChunkName(3, sid)] = 1
		}},
		{"destination three times", func(f *faultyFs) { f.createFailures = 3 }},
		{"partial writes three times", func(f *faultyFs) { f.writeFailures = 3 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := newFaultyFs()
			r, store := newTestReceiver(t, fs)

			for _, idx := range []uint64{0, 1, 2} {
				meta, body := chunk("docs", "abort.bin", data, 1000, idx)
				_, err := send(t, r, meta, body)
				require.NoError(t, err)
			}
			tc.inject(fs)

			meta, body := chunk("docs", "abort.bin", data, 1000, 3)
			_, err := send(t, r, meta, body)
			require.Error(t, err)
			assert.Equal(t, CodeMergeFailed, CodeOf(err))
			assert.False(t, IsRecoverable(err))

			assert.Empty(t, dirNames(t, fs, testDir), "no temporary or partial files may remain")
			received, err := store.Received(context.Background(), meta.Identity())
			require.NoError(t, err)
			assert.Empty(t, received)
			paths, err := store.StoredFiles(context.Background(), "docs")
			require.NoError(t, err)
			assert.Empty(t, paths)
		})
	}
}

func TestMerge_SizeExceededAfterMerge(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := docsSession()
	cfg.MaxFileSize = 10
	r, _ := newTestReceiver(t, fs, cfg)

	// Both chunks claim 7 of the 8 declared bytes, so the merged file is
	// larger than declared and larger than the limit.
	body := testData(7)
	var err error
	for idx := range uint64(2) {
		meta := protocol.ChunkMetadata{
			FileName:    "liar.bin",
			ChunkIndex:  idx,
			TotalChunks: 2,
			FileSize:    8,
			ChunkLength: 7,
			SessionName: "docs",
		}
		meta.Checksum = protocol.Checksum(idx, meta.FileName, meta.FileSize)
		_, err = send(t, r, meta, body)
	}
	require.Error(t, err)
	assert.Equal(t, CodeSizeExceeded, CodeOf(err))
	assert.False(t, IsRecoverable(err))
	assert.Empty(t, dirNames(t, fs, testDir))
}

// ============================================================================
// Queries
// ============================================================================

func TestReceived(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, _ := newTestReceiver(t, fs)
	data := testData(5000)

	for _, idx := range []uint64{3, 1} {
		meta, body := chunk("docs", "resume.bin", data, 1000, idx)
		_, err := send(t, r, meta, body)
		require.NoError(t, err)
	}

	query := protocol.ChunkMetadata{FileName: "resume.bin", SessionName: "docs", FileSize: 5000}
	received, err := r.Received(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, received)

	query.SessionName = "nope"
	_, err = r.Received(context.Background(), query)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestStoredFiles(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	multi := session.Defaults("multi", "/multi")
	multi.AllowMultipleFiles = true
	r, _ := newTestReceiver(t, fs, docsSession(), multi)

	for _, name := range []string{"a.txt", "b.txt"} {
		for _, s := range []string{"docs", "multi"} {
			meta, body := chunk(s, name, testData(10), 100, 0)
			_, err := send(t, r, meta, body)
			require.NoError(t, err)
		}
	}

	paths, multiple, err := r.StoredFiles(context.Background(), "docs")
	require.NoError(t, err)
	assert.False(t, multiple)
	assert.Equal(t, []string{filepath.Join(testDir, "b.txt")}, paths)

	paths, multiple, err = r.StoredFiles(context.Background(), "multi")
	require.NoError(t, err)
	assert.True(t, multiple)
	assert.Equal(t, []string{"/multi/a.txt", "/multi/b.txt"}, paths)

	_, _, err = r.StoredFiles(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownSession)
}
