package models

import "time"

// SyllabusUnit is the unit number reserved for syllabus documents. Uploads
// into it are restricted to administrators.
const SyllabusUnit = 0

// Material represents one uploaded course document. The blob itself lives in
// the blob store under FilePath; the row only references it.
type Material struct {
	ID          string    `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	SubjectID   int       `db:"subject_id" json:"subjectId"`
	Unit        int       `db:"unit" json:"unit"`
	UploadedBy  string    `db:"uploaded_by" json:"uploadedBy"`
	Filename    string    `db:"filename" json:"filename"`
	FilePath    string    `db:"file_path" json:"path"`
	MimeType    string    `db:"mime_type" json:"mimeType"`
	SizeBytes   int64     `db:"size_bytes" json:"sizeBytes"`
	CreatedAt   time.Time `db:"created_at" json:"date"`
}

// IsSyllabus reports whether the material sits in the syllabus unit.
func (m *Material) IsSyllabus() bool {
	return m != nil && m.Unit == SyllabusUnit
}

// MaterialFilter narrows listing queries. Zero values mean "no filter"; the
// default listing returns the whole catalog newest-first.
type MaterialFilter struct {
	SubjectID *int
	Unit      *int
	Limit     int
	Offset    int
}
