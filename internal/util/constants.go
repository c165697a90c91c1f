package util

const (
	DateFormat = "2006-01-02"
	TimeFormat = "2006-01-02 15:04:05"
)

const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

// 文件上传相关常量
const (
	MimePDF  = "application/pdf"
	MimeDoc  = "application/msword"
	MimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	MimeZip         = "application/zip"
	MimeOctetStream = "application/octet-stream"
)

// 存储路径类型
const (
	PathTypeCourseDocument = "course_document"
	PathTypeDocument       = "document"
)
