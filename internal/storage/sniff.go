package storage

import (
	"bytes"
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SniffLength is the number of leading bytes inspected by Sniff.
const SniffLength = 512

// DefaultContentType is used when nothing else identifies a file.
const DefaultContentType = "application/octet-stream"

type signature struct {
	offset   int
	magic    []byte
	mimeType string
}

// Checked in order; the first match wins.
var signatures = []signature{
	{0, []byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
	{0, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
	{0, []byte("GIF87a"), "image/gif"},
	{0, []byte("GIF89a"), "image/gif"},
	{8, []byte("WEBP"), "image/webp"},
	{0, []byte("%PDF"), "application/pdf"},
	{0, []byte{0x50, 0x4B, 0x03, 0x04}, "application/zip"},
	{0, []byte{0x1F, 0x8B}, "application/gzip"},
	{0, []byte{0x7F, 0x45, 0x4C, 0x46}, "application/x-elf"},
	{0, []byte{0xCF, 0xFA, 0xED, 0xFE}, "application/x-mach-binary"},
	{0, []byte{0x4D, 0x5A}, "application/vnd.microsoft.portable-executable"},
}

var extensionTypes = map[string]string{
	".txt":  "text/plain",
	".csv":  "text/csv",
	".md":   "text/markdown",
	".log":  "text/plain",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".exe":  "application/vnd.microsoft.portable-executable",
}

var executableTypes = map[string]bool{
	"application/vnd.microsoft.portable-executable": true,
	"application/x-msdownload":                      true,
	"application/x-elf":                             true,
	"application/x-executable":                      true,
	"application/x-mach-binary":                     true,
	"application/x-msdos-program":                   true,
	"application/x-dosexec":                         true,
}

// Sniff infers a MIME type from the leading bytes of a file. It returns ""
// when no binary signature is recognised.
func Sniff(head []byte) string {
	if len(head) > SniffLength {
		head = head[:SniffLength]
	}
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(head) >= end && bytes.Equal(head[sig.offset:end], sig.magic) {
			if sig.mimeType == "image/webp" && !bytes.HasPrefix(head, []byte("RIFF")) {
				continue
			}
			return sig.mimeType
		}
	}

	if len(head) == 0 {
		return ""
	}
	// Broader binary formats. Text results are left to the extension.
	detected := mimetype.Detect(head)
	mt := BaseMediaType(detected.String())
	if mt == DefaultContentType || strings.HasPrefix(mt, "text/") {
		return ""
	}
	return mt
}

// ExtensionType returns the MIME type for the name's extension. The built-in
// table wins over the host's mime.types so results do not vary by machine.
func ExtensionType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return ""
	}
	if mt, ok := extensionTypes[ext]; ok {
		return mt
	}
	return BaseMediaType(mime.TypeByExtension(ext))
}

// DetectContentType resolves the effective type of a file: sniffed bytes
// first, then the extension, then the declared type.
func DetectContentType(head []byte, name, declared string) string {
	if mt := Sniff(head); mt != "" {
		return mt
	}
	if mt := ExtensionType(name); mt != "" {
		return mt
	}
	if mt := BaseMediaType(declared); mt != "" {
		return mt
	}
	return DefaultContentType
}

// IsExecutable reports whether mediaType identifies native executable code.
func IsExecutable(mediaType string) bool {
	return executableTypes[BaseMediaType(mediaType)]
}

// BaseMediaType strips parameters and lower-cases a MIME type.
func BaseMediaType(mediaType string) string {
	mt, _, _ := strings.Cut(mediaType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
