package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>case</html>")
	uri, err := store.PutObject(context.Background(), "pages/divorce/run-1/detail-abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://pages/divorce/run-1/detail-abc.html", uri)

	payload[0] = 'X'
	data, contentType, ok := store.Object("pages/divorce/run-1/detail-abc.html")
	require.True(t, ok)
	assert.Equal(t, "<html>case</html>", string(data))
	assert.Equal(t, "text/html", contentType)
	assert.Equal(t, []string{"pages/divorce/run-1/detail-abc.html"}, store.Paths())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
