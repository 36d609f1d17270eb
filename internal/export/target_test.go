package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infracollect/archivist/internal/archivetest"
)

type mockUploader struct {
	uploads []mockUpload
	err     error
}

type mockUpload struct {
	bucket      string
	key         string
	body        []byte
	contentType string
	metadata    map[string]string
}

func (m *mockUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	body, _ := io.ReadAll(input.Body)
	upload := mockUpload{bucket: *input.Bucket, key: *input.Key, body: body, metadata: input.Metadata}
	if input.ContentType != nil {
		upload.contentType = *input.ContentType
	}
	m.uploads = append(m.uploads, upload)
	return &manager.UploadOutput{}, nil
}

// mockTarget records all writes for verification.
type mockTarget struct {
	writes map[string][]byte
	closed bool
}

func newMockTarget() *mockTarget {
	return &mockTarget{writes: make(map[string][]byte)}
}

func (m *mockTarget) Name() string { return "mock" }
func (m *mockTarget) Kind() string { return "mock" }

func (m *mockTarget) Write(_ context.Context, name string, data io.Reader) error {
	content, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.writes[name] = content
	return nil
}

func (m *mockTarget) Close(_ context.Context) error {
	m.closed = true
	return nil
}

func TestS3_Name(t *testing.T) {
	assert.Equal(t, "s3(my-bucket)", NewS3WithUploader("my-bucket", "", &mockUploader{}).Name())
	assert.Equal(t, "s3(my-bucket/backups/2024)", NewS3WithUploader("my-bucket", "/backups/2024/", &mockUploader{}).Name())
	assert.Equal(t, "s3", NewS3WithUploader("b", "", &mockUploader{}).Kind())
}

func TestS3_Write(t *testing.T) {
	tests := []struct {
		name            string
		prefix          string
		file            string
		wantKey         string
		wantContentType string
	}{
		{name: "no prefix", file: "bundle.tar.gz", wantKey: "bundle.tar.gz", wantContentType: "application/gzip"},
		{name: "prefix", prefix: "exports", file: "app.jar", wantKey: "exports/app.jar", wantContentType: "application/java-archive"},
		{name: "nested name", prefix: "data", file: "a/b/notes.txt", wantKey: "data/a/b/notes.txt", wantContentType: "text/plain"},
		{name: "dotted name", file: "v1.2.zip", wantKey: "v1.2.zip", wantContentType: "application/zip"},
		{name: "compressed tarball", file: "db.txz", wantKey: "db.txz", wantContentType: "application/x-xz"},
		{name: "read-only container", prefix: "/in/", file: "old.7z", wantKey: "in/old.7z", wantContentType: "application/x-7z-compressed"},
		{name: "leading slash", file: "/docs/a.json", wantKey: "docs/a.json", wantContentType: "application/json"},
		{name: "unknown extension", file: "blob.bin", wantKey: "blob.bin"},
		{name: "no extension", file: "README", wantKey: "README"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploader := &mockUploader{}
			target := NewS3WithUploader("my-bucket", tt.prefix, uploader)

			require.NoError(t, target.Write(t.Context(), tt.file, bytes.NewBufferString("content")))

			require.Len(t, uploader.uploads, 1)
			assert.Equal(t, "my-bucket", uploader.uploads[0].bucket)
			assert.Equal(t, tt.wantKey, uploader.uploads[0].key)
			assert.Equal(t, "content", string(uploader.uploads[0].body))
			assert.Equal(t, tt.wantContentType, uploader.uploads[0].contentType)
			assert.Equal(t, map[string]string{entryMetadataKey: strings.TrimPrefix(tt.file, "/")}, uploader.uploads[0].metadata)
		})
	}
}

func TestS3_Key(t *testing.T) {
	target := NewS3WithUploader("my-bucket", "exports", &mockUploader{})

	key, err := target.Key("a/./b/../c.txt")
	require.NoError(t, err)
	assert.Equal(t, "exports/a/c.txt", key)

	for _, name := range []string{"", "/", "..", "../escape.zip", "a/../../escape.zip"} {
		_, err := target.Key(name)
		assert.Error(t, err, name)
	}

	uploader := &mockUploader{}
	err = NewS3WithUploader("my-bucket", "", uploader).Write(t.Context(), "../escape.zip", bytes.NewBufferString("x"))
	require.Error(t, err)
	assert.Empty(t, uploader.uploads)
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"backup.tar.bz2":  "application/x-bzip2",
		"backup.TAR.GZ":   "application/gzip",
		"app.war":         "application/java-archive",
		"disk.rar":        "application/vnd.rar",
		"usr/bin/tar":     "",
		"notes.markdown":  "",
		"config.yml":      "application/x-yaml",
		"release-1.0.zip": "application/zip",
	}
	for name, want := range tests {
		assert.Equal(t, want, ContentType(name), name)
	}
}

func TestS3_WriteError(t *testing.T) {
	target := NewS3WithUploader("my-bucket", "", &mockUploader{err: errors.New("access denied")})
	err := target.Write(t.Context(), "a.zip", bytes.NewBufferString("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://my-bucket/a.zip")
}

func TestDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	target, err := NewDirectory(fs, "/out")
	require.NoError(t, err)
	assert.Equal(t, "directory", target.Kind())

	require.NoError(t, target.Write(t.Context(), "docs/readme.txt", bytes.NewBufferString("hello")))
	require.NoError(t, target.Close(t.Context()))

	data, err := afero.ReadFile(fs, filepath.Join("/out", "docs", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	target := NewStream(&buf)
	assert.Equal(t, "stream", target.Name())

	require.NoError(t, target.Write(t.Context(), "a.zip", bytes.NewBufferString("archive")))
	assert.Equal(t, "stream(a.zip)", target.Name())
	assert.Equal(t, int64(7), target.Written())

	err := target.Write(t.Context(), "b.txt", bytes.NewBufferString("more"))
	require.ErrorContains(t, err, "bundle the entries")
	assert.Equal(t, "archive", buf.String())
	require.NoError(t, target.Close(t.Context()))
}

func TestBundle(t *testing.T) {
	tests := []struct {
		compression Compression
		wantName    string
		decode      func(t testing.TB, data []byte) []byte
	}{
		{compression: "", wantName: "out.tar.gz", decode: archivetest.Gunzip},
		{compression: CompressionGzip, wantName: "out.tar.gz", decode: archivetest.Gunzip},
		{compression: CompressionZstd, wantName: "out.tar.zst", decode: archivetest.Unzstd},
		{compression: CompressionBzip2, wantName: "out.tar.bz2", decode: archivetest.Bunzip2},
		{compression: CompressionXz, wantName: "out.tar.xz", decode: archivetest.Unxz},
		{compression: CompressionNone, wantName: "out.tar", decode: func(_ testing.TB, data []byte) []byte { return data }},
	}

	for _, tt := range tests {
		t.Run(string(tt.compression), func(t *testing.T) {
			inner := newMockTarget()
			bundle, err := NewBundle(inner, "out", tt.compression)
			require.NoError(t, err)
			assert.Equal(t, "bundle("+tt.wantName+")->mock", bundle.Name())

			files := map[string]string{"a.txt": "a", "dir/b.txt": "b"}
			for name, content := range files {
				require.NoError(t, bundle.Write(t.Context(), name, bytes.NewBufferString(content)))
			}
			assert.Empty(t, inner.writes, "nothing is written before Close")

			require.NoError(t, bundle.Close(t.Context()))
			assert.True(t, inner.closed)
			require.Contains(t, inner.writes, tt.wantName)
			assert.Equal(t, files, archivetest.ReadTar(t, tt.decode(t, inner.writes[tt.wantName])))

			assert.Error(t, bundle.Close(t.Context()))
			assert.Error(t, bundle.Write(t.Context(), "late.txt", bytes.NewBufferString("late")))
		})
	}
}

func TestBundle_UnsupportedCompression(t *testing.T) {
	_, err := NewBundle(newMockTarget(), "out", "lz4")
	assert.Error(t, err)
}
