package models

import (
	"encoding/json"
	"time"
)

// ContentType classifies what a content item carries. The server never
// inspects the ciphertext; the type only drives client-side rendering.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeFile  ContentType = "file"
	ContentTypeOther ContentType = "other"
)

// Valid reports whether t is one of the known content types.
func (t ContentType) Valid() bool {
	switch t {
	case ContentTypeText, ContentTypeImage, ContentTypeFile, ContentTypeOther:
		return true
	}
	return false
}

// EncryptionMetadata carries the IV for non-chunked content. Chunked content
// carries one IV per chunk instead.
type EncryptionMetadata struct {
	IV ByteList `json:"iv"`
}

// ImageInfo holds structural hints for image content. The server stores and
// forwards these verbatim.
type ImageInfo struct {
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Format string `json:"format,omitempty"`
}

// TextInfo holds structural hints for text content.
type TextInfo struct {
	Encoding  string `json:"encoding,omitempty"`
	LineCount int    `json:"lineCount,omitempty"`
}

// FileInfo holds structural hints for file content.
type FileInfo struct {
	Extension string `json:"extension,omitempty"`
}

// ContentMetadata describes one shared content item. The encrypted payload
// lives in the chunk store; this row is what peers see announced and what
// listings return.
type ContentMetadata struct {
	ContentID   string      `json:"contentId"`
	SessionID   string      `json:"sessionId"`
	SenderID    string      `json:"senderId"`
	SenderName  string      `json:"senderName"`
	ContentType ContentType `json:"contentType"`
	MimeType    string      `json:"mimeType,omitempty"`
	FileName    string      `json:"fileName,omitempty"`
	Size        int64       `json:"size"`

	ImageInfo *ImageInfo `json:"imageInfo,omitempty"`
	TextInfo  *TextInfo  `json:"textInfo,omitempty"`
	FileInfo  *FileInfo  `json:"fileInfo,omitempty"`

	TotalChunks int   `json:"totalChunks"`
	TotalSize   int64 `json:"totalSize"`
	IsChunked   bool  `json:"isChunked"`
	IsLargeFile bool  `json:"isLargeFile"`
	IsComplete  bool  `json:"isComplete"`
	IsPinned    bool  `json:"isPinned"`

	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`

	EncryptionMetadata *EncryptionMetadata `json:"encryptionMetadata,omitempty"`

	// AdditionalMetadata is an opaque blob the server preserves verbatim.
	AdditionalMetadata json.RawMessage `json:"additionalMetadata,omitempty"`
}

// Chunk is one independently encrypted slice of a content item.
type Chunk struct {
	ContentID     string   `json:"contentId"`
	ChunkIndex    int      `json:"chunkIndex"`
	TotalChunks   int      `json:"totalChunks"`
	IV            ByteList `json:"iv"`
	EncryptedData ByteList `json:"encryptedData"`
}
