package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudbackup/internal/fs"
)

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	res, err := s.PutObject(ctx, "a/b.txt", strings.NewReader("hello"), 5, fs.PutOptions{LocalPath: "/src/a/b.txt"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ETag)

	obj, ok := s.Get("a/b.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(obj.Data))
	assert.Equal(t, res.ETag, obj.ETag)
	assert.Equal(t, "/src/a/b.txt", obj.OriginalPath)

	require.NoError(t, s.DeleteObject(ctx, "a/b.txt"))
	require.NoError(t, s.DeleteObject(ctx, "a/b.txt"), "deleting a missing key is not an error")
	_, ok = s.Get("a/b.txt")
	assert.False(t, ok)
}

func TestStore_PutSizeMismatch(t *testing.T) {
	_, err := New().PutObject(context.Background(), "k", strings.NewReader("abc"), 10, fs.PutOptions{})
	require.Error(t, err)
}

func TestStore_PutHook(t *testing.T) {
	s := New()
	boom := errors.New("network down")
	s.PutHook = func(ctx context.Context, key string) error { return boom }

	_, err := s.PutObject(context.Background(), "k", strings.NewReader("x"), 1, fs.PutOptions{})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, s.Keys(""))
	assert.Equal(t, 1, s.Puts())
}

func TestStore_ListDelimiter(t *testing.T) {
	s := New()
	for _, k := range []string{"root.txt", "a/1.txt", "a/2.txt", "a/sub/3.txt", "b/4.txt"} {
		s.Set(k, []byte(k))
	}

	res, err := s.ListObjects(context.Background(), fs.ListInput{Delimiter: "/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/", "b/"}, res.Folders)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "root.txt", res.Files[0].Key)
	assert.Empty(t, res.NextToken)

	res, err = s.ListObjects(context.Background(), fs.ListInput{Prefix: "a/", Delimiter: "/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/sub/"}, res.Folders)
	require.Len(t, res.Files, 2)
	assert.Equal(t, "a/1.txt", res.Files[0].Key)
	assert.Equal(t, int64(len("a/1.txt")), res.Files[0].Size)
}

func TestStore_ListPaginationCoversAllKeys(t *testing.T) {
	s := New()
	for i := 0; i < 25; i++ {
		s.Set(fmt.Sprintf("p/%02d", i), []byte("x"))
	}

	var got []string
	token := ""
	pages := 0
	for {
		res, err := s.ListObjects(context.Background(), fs.ListInput{Prefix: "p/", Token: token, MaxKeys: 10})
		require.NoError(t, err)
		pages++
		for _, f := range res.Files {
			got = append(got, f.Key)
		}
		if res.NextToken == "" {
			break
		}
		token = res.NextToken
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, s.Keys("p/"), got)
}

func TestStore_ListFolderTokenSkipsFolder(t *testing.T) {
	s := New()
	s.Set("a/1", nil)
	s.Set("a/2", nil)
	s.Set("b/1", nil)

	res, err := s.ListObjects(context.Background(), fs.ListInput{Delimiter: "/", MaxKeys: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/"}, res.Folders)
	require.NotEmpty(t, res.NextToken)

	res, err = s.ListObjects(context.Background(), fs.ListInput{Delimiter: "/", MaxKeys: 1, Token: res.NextToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"b/"}, res.Folders)
}
