package location

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Location
		wantErr error
	}{
		{
			name: "remote with key",
			raw:  "s3://models/llama/weights.bin",
			want: NewRemote("models", "llama/weights.bin"),
		},
		{
			name: "remote bucket only",
			raw:  "s3://models",
			want: NewRemote("models", ""),
		},
		{
			name: "remote trailing slash",
			raw:  "s3://models/checkpoints/",
			want: NewRemote("models", "checkpoints"),
		},
		{
			name: "local absolute",
			raw:  "/data/artifacts",
			want: NewLocal("/data/artifacts"),
		},
		{
			name: "local relative",
			raw:  "artifacts/run-42",
			want: NewLocal("artifacts/run-42"),
		},
		{
			name:    "unknown scheme",
			raw:     "gs://bucket/key",
			wantErr: ErrInvalidScheme,
		},
		{
			name:    "empty remainder",
			raw:     "s3://",
			wantErr: ErrEmptyPath,
		},
		{
			name:    "empty string",
			raw:     "",
			wantErr: ErrEmptyPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.raw)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJoin(t *testing.T) {
	l := NewLocal("/data")
	assert.Equal(t, "/data/a/b", l.Join("a/b").Path())

	r := NewRemote("bucket", "prefix")
	assert.Equal(t, "prefix/a/b", r.Join("a/b").Key())

	empty := NewRemote("bucket", "")
	assert.Equal(t, "a", empty.Join("a").Key())
}

func TestRel(t *testing.T) {
	r := NewRemote("bucket", "models/llama")
	assert.Equal(t, "7b/weights.bin", r.Rel("models/llama/7b/weights.bin"))
	assert.Equal(t, "llama", r.Rel("models/llama"))
	assert.Equal(t, "other/file", r.Rel("other/file"))

	empty := NewRemote("bucket", "")
	assert.Equal(t, "a/b", empty.Rel("/a/b"))

	l := NewLocal("/data")
	assert.Equal(t, "run-42/out.bin", l.Rel("/data/run-42/out.bin"))
}

func TestString(t *testing.T) {
	assert.Equal(t, "s3://b/k", NewRemote("b", "k").String())
	assert.Equal(t, "s3://b", NewRemote("b", "").String())
	assert.Equal(t, "/x/y", NewLocal("/x/y").String())
}
