package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"sites/s1/i1/index.html", "sites/s1/i1/index.html", false},
		{"/sites/s1/manifest.json", "sites/s1/manifest.json", false},
		{"sites//s1/./terms.html", "sites/s1/terms.html", false},
		{"../etc/passwd", "", true},
		{"sites/../../x", "", true},
		{"", "", true},
		{"/", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CleanKey(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/html; charset=utf-8", ContentType("sites/a/b/index.html"))
	assert.Equal(t, "application/json", ContentType("sites/a/manifest.JSON"))
	assert.Equal(t, "application/octet-stream", ContentType("blob"))
}

// --- FS ---

func TestFS_PutGet(t *testing.T) {
	root := t.TempDir()
	st, err := NewFS(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "sites/s1/i1/index.html", []byte("<html></html>"), "text/html"))

	onDisk, err := os.ReadFile(filepath.Join(root, "sites", "s1", "i1", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(onDisk))

	got, err := st.Get(ctx, "sites/s1/i1/index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(got))
}

func TestFS_Overwrite(t *testing.T) {
	st, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "sites/s1/manifest.json", []byte(`{"v":1}`), ""))
	require.NoError(t, st.Put(ctx, "sites/s1/manifest.json", []byte(`{"v":2}`), ""))

	got, err := st.Get(ctx, "sites/s1/manifest.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))

	entries, err := os.ReadDir(filepath.Join(st.Root(), "sites", "s1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFS_GetMissing(t *testing.T) {
	st, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = st.Get(context.Background(), "nope.html")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFS_RejectsEscape(t *testing.T) {
	st, err := NewFS(t.TempDir())
	require.NoError(t, err)

	err = st.Put(context.Background(), "../outside.html", []byte("x"), "")
	require.Error(t, err)
}

func TestFS_CancelledContext(t *testing.T) {
	st, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, st.Put(ctx, "a.html", []byte("x"), ""), context.Canceled)
}

func TestNewFS_RequiresRoot(t *testing.T) {
	_, err := NewFS("")
	require.Error(t, err)
}

// --- S3 ---

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	args := m.Called(ctx, aws.ToString(in.Bucket), aws.ToString(in.Key), string(body), aws.ToString(in.ContentType))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, aws.ToString(in.Bucket), aws.ToString(in.Key))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func TestS3_PutUsesPrefixAndContentType(t *testing.T) {
	client := new(mockS3)
	st := NewS3FromClient(client, "sites-bucket", "/generated/")
	ctx := context.Background()

	client.On("PutObject", ctx, "sites-bucket", "generated/sites/s1/i1/index.html", "<html/>", "text/html; charset=utf-8").
		Return(&s3.PutObjectOutput{}, nil)

	require.NoError(t, st.Put(ctx, "sites/s1/i1/index.html", []byte("<html/>"), ""))
	client.AssertExpectations(t)
}

func TestS3_PutError(t *testing.T) {
	client := new(mockS3)
	st := NewS3FromClient(client, "b", "")
	ctx := context.Background()

	client.On("PutObject", ctx, "b", "sites/s1/manifest.json", "{}", "application/json").
		Return(nil, errors.New("connection reset by peer"))

	err := st.Put(ctx, "sites/s1/manifest.json", []byte("{}"), "application/json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "objectstore: s3 put sites/s1/manifest.json")
}

func TestS3_Get(t *testing.T) {
	client := new(mockS3)
	st := NewS3FromClient(client, "b", "p")
	ctx := context.Background()

	client.On("GetObject", ctx, "b", "p/sites/s1/manifest.json").
		Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(`{"ok":true}`)))}, nil)

	data, err := st.Get(ctx, "sites/s1/manifest.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestS3_GetMissing(t *testing.T) {
	client := new(mockS3)
	st := NewS3FromClient(client, "b", "")
	ctx := context.Background()

	client.On("GetObject", ctx, "b", "missing.json").Return(nil, &types.NoSuchKey{})

	_, err := st.Get(ctx, "missing.json")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	require.Error(t, err)
}

// --- Memory ---

func TestMemory_TracksWriteOrder(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "sites/s/i/terms.html", []byte("t"), "text/html"))
	require.NoError(t, st.Put(ctx, "sites/s/i/index.html", []byte("i"), "text/html"))
	require.NoError(t, st.Put(ctx, "sites/s/manifest.json", []byte("{}"), "application/json"))

	assert.Equal(t, []string{"sites/s/i/terms.html", "sites/s/i/index.html", "sites/s/manifest.json"}, st.WriteOrder())
	assert.Equal(t, []string{"sites/s/i/index.html", "sites/s/i/terms.html", "sites/s/manifest.json"}, st.Keys())

	obj, ok := st.Object("sites/s/manifest.json")
	require.True(t, ok)
	assert.Equal(t, "application/json", obj.ContentType)

	_, err := st.Get(ctx, "sites/s/other.json")
	assert.True(t, errors.Is(err, ErrNotFound))
}
