package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxFileSize 上传文件大小上限 50 MiB
const MaxFileSize = 50 * 1024 * 1024

const hashChunkSize = 32 * 1024

var allowedMimeTypes = map[string]bool{
	MimePDF:  true,
	MimeDoc:  true,
	MimeDocx: true,
}

// ValidateFileType reports whether the MIME type is in the pdf/doc/docx
// allow-list.
func ValidateFileType(mimeType string) bool {
	return allowedMimeTypes[strings.ToLower(strings.TrimSpace(mimeType))]
}

// ValidateFileSize reports whether the size is positive and within the cap.
func ValidateFileSize(size int64) bool {
	return size > 0 && size <= MaxFileSize
}

// GenerateSafeFilename replaces the original name with a random 128-bit token
// plus the original lowercased extension, so object keys never collide and
// never carry user-controlled path characters.
func GenerateSafeFilename(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	return token + ext
}

// GenerateStoragePath builds the hierarchical object key. Course-scoped
// documents require a course id; generic documents fall under "document/".
func GenerateStoragePath(filename, resourceType, courseID string) (string, error) {
	now := time.Now().UTC()
	switch resourceType {
	case PathTypeCourseDocument:
		if courseID == "" {
			return "", Validationf("course id is required for %s resources", resourceType)
		}
		return fmt.Sprintf("%s/%s/%d/%02d/%s", resourceType, courseID, now.Year(), int(now.Month()), filename), nil
	default:
		return fmt.Sprintf("%s/%d/%02d/%s", PathTypeDocument, now.Year(), int(now.Month()), filename), nil
	}
}

// SniffContentType 深度检测文件内容的 MIME 类型（前 512 字节），读取后恢复指针
func SniffContentType(r io.ReadSeeker) (string, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	buffer := make([]byte, 512)
	n, err := r.Read(buffer)
	if err != nil && err != io.EOF {
		return "", err
	}
	if _, err := r.Seek(pos, io.SeekStart); err != nil {
		return "", err
	}

	mimeType := http.DetectContentType(buffer[:n])
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType, nil
}

// sniffAccepts maps each declared type to the content signatures it may
// legitimately carry. OOXML containers detect as zip; legacy .doc is a CFB
// file with no sniff signature, so it detects as octet-stream.
var sniffAccepts = map[string][]string{
	MimePDF:  {MimePDF},
	MimeDocx: {MimeZip},
	MimeDoc:  {MimeOctetStream},
}

// MatchesDeclaredType cross-checks the client-declared MIME type against the
// type sniffed from the actual content.
func MatchesDeclaredType(declared, sniffed string) bool {
	accepted, ok := sniffAccepts[strings.ToLower(strings.TrimSpace(declared))]
	if !ok {
		return false
	}
	for _, a := range accepted {
		if sniffed == a {
			return true
		}
	}
	return false
}

// CalculateFileHash streams the full content through sha256 in fixed-size
// chunks and restores the reader's original position afterwards.
func CalculateFileHash(r io.ReadSeeker) (string, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}

	if _, err := r.Seek(pos, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
