package util

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFileType(t *testing.T) {
	assert.True(t, ValidateFileType(MimePDF))
	assert.True(t, ValidateFileType(MimeDoc))
	assert.True(t, ValidateFileType(MimeDocx))
	assert.True(t, ValidateFileType(" application/pdf "))
	assert.True(t, ValidateFileType("Application/PDF"))

	assert.False(t, ValidateFileType("image/png"))
	assert.False(t, ValidateFileType("video/mp4"))
	assert.False(t, ValidateFileType(MimeOctetStream))
	assert.False(t, ValidateFileType(""))
}

func TestValidateFileSize(t *testing.T) {
	assert.True(t, ValidateFileSize(1))
	assert.True(t, ValidateFileSize(MaxFileSize))
	assert.False(t, ValidateFileSize(MaxFileSize+1))
	assert.False(t, ValidateFileSize(0))
	assert.False(t, ValidateFileSize(-5))
}

func TestGenerateSafeFilename(t *testing.T) {
	name := GenerateSafeFilename("My Lecture Notes.PDF")
	assert.True(t, strings.HasSuffix(name, ".pdf"))
	assert.NotContains(t, name, " ")
	assert.NotContains(t, name, "/")
	// 32 hex chars + extension
	assert.Len(t, name, 32+len(".pdf"))

	// two calls never collide
	other := GenerateSafeFilename("My Lecture Notes.PDF")
	assert.NotEqual(t, name, other)

	// no extension on the original
	bare := GenerateSafeFilename("README")
	assert.Len(t, bare, 32)
}

func TestGenerateStoragePath(t *testing.T) {
	now := time.Now().UTC()

	t.Run("course scoped", func(t *testing.T) {
		path, err := GenerateStoragePath("abc.pdf", PathTypeCourseDocument, "CS101")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("course_document/CS101/%d/%02d/abc.pdf", now.Year(), int(now.Month())), path)
		assert.Contains(t, strings.Split(path, "/"), "CS101")
	})

	t.Run("course scoped without course id fails", func(t *testing.T) {
		_, err := GenerateStoragePath("abc.pdf", PathTypeCourseDocument, "")
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})

	t.Run("generic document", func(t *testing.T) {
		path, err := GenerateStoragePath("abc.pdf", PathTypeDocument, "")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("document/%d/%02d/abc.pdf", now.Year(), int(now.Month())), path)
	})
}

func TestSniffContentType(t *testing.T) {
	t.Run("pdf", func(t *testing.T) {
		got, err := SniffContentType(bytes.NewReader([]byte("%PDF-1.4 content")))
		require.NoError(t, err)
		assert.Equal(t, MimePDF, got)
	})

	t.Run("png", func(t *testing.T) {
		got, err := SniffContentType(bytes.NewReader([]byte("\x89PNG\r\n\x1a\nrest")))
		require.NoError(t, err)
		assert.Equal(t, "image/png", got)
	})

	t.Run("zip container", func(t *testing.T) {
		got, err := SniffContentType(bytes.NewReader([]byte("PK\x03\x04rest of archive")))
		require.NoError(t, err)
		assert.Equal(t, MimeZip, got)
	})

	t.Run("charset parameter stripped", func(t *testing.T) {
		got, err := SniffContentType(bytes.NewReader([]byte("plain text body")))
		require.NoError(t, err)
		assert.Equal(t, "text/plain", got)
	})

	t.Run("restores position", func(t *testing.T) {
		r := bytes.NewReader([]byte("%PDF-1.4 content"))
		_, err := r.Seek(3, io.SeekStart)
		require.NoError(t, err)

		_, err = SniffContentType(r)
		require.NoError(t, err)

		pos, err := r.Seek(0, io.SeekCurrent)
		require.NoError(t, err)
		assert.Equal(t, int64(3), pos)
	})
}

func TestMatchesDeclaredType(t *testing.T) {
	assert.True(t, MatchesDeclaredType(MimePDF, MimePDF))
	assert.True(t, MatchesDeclaredType(MimeDocx, MimeZip))
	assert.True(t, MatchesDeclaredType(MimeDoc, MimeOctetStream))
	assert.True(t, MatchesDeclaredType(" Application/PDF ", MimePDF))

	// declared pdf with non-pdf content
	assert.False(t, MatchesDeclaredType(MimePDF, "image/png"))
	assert.False(t, MatchesDeclaredType(MimePDF, "text/plain"))
	// docx must be a zip container
	assert.False(t, MatchesDeclaredType(MimeDocx, MimePDF))
	// declared types outside the allow-list never match
	assert.False(t, MatchesDeclaredType("image/png", "image/png"))
}

func TestCalculateFileHash(t *testing.T) {
	content := bytes.Repeat([]byte("docshare hash content "), 10000) // > one chunk
	want := sha256.Sum256(content)
	wantHex := hex.EncodeToString(want[:])

	r := bytes.NewReader(content)
	got, err := CalculateFileHash(r)
	require.NoError(t, err)
	assert.Equal(t, wantHex, got)

	// deterministic
	again, err := CalculateFileHash(r)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestCalculateFileHashRestoresPosition(t *testing.T) {
	content := []byte("0123456789")
	r := bytes.NewReader(content)

	// move the cursor, hash, then confirm the cursor is where it was
	_, err := r.Seek(4, io.SeekStart)
	require.NoError(t, err)

	_, err = CalculateFileHash(r)
	require.NoError(t, err)

	pos, err := r.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(rest))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "", Truncate("abc", 0))
	// rune-safe
	assert.Equal(t, "日本", Truncate("日本語", 2))
}
