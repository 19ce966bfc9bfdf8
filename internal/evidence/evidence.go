// Package evidence converts local evidence artifacts into typed prompt
// fragments: plain text, an image payload, or a placeholder for content
// that cannot be read. Encoding never fails outright; anything unreadable
// degrades to a placeholder so classification can proceed on metadata.
package evidence

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
)

// Kind discriminates fragment variants.
type Kind int

const (
	// KindText carries extracted or raw text content.
	KindText Kind = iota
	// KindImage carries undecoded image bytes for visual inspection.
	KindImage
	// KindPlaceholder stands in for content that could not be read.
	KindPlaceholder
)

// Fragment is the size-bounded representation of one evidence file.
type Fragment struct {
	Kind     Kind
	FileName string
	Text     string // KindText and KindPlaceholder
	Data     []byte // KindImage only
	MIMEType string // KindImage only
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".js": true, ".json": true,
	".xml": true, ".csv": true, ".log": true, ".yaml": true, ".yml": true,
	".sql": true, ".go": true, ".sh": true, ".java": true, ".c": true,
	".cpp": true, ".rb": true, ".php": true,
}

var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// Encoder builds fragments from evidence files.
type Encoder struct {
	charLimit int
}

// NewEncoder creates an encoder that truncates text beyond charLimit characters.
func NewEncoder(charLimit int) *Encoder {
	if charLimit <= 0 {
		charLimit = 50000
	}
	return &Encoder{charLimit: charLimit}
}

// Encode classifies the file by extension and produces its fragment.
func (e *Encoder) Encode(path string) Fragment {
	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case textExtensions[ext]:
		data, err := os.ReadFile(path)
		if err != nil {
			return placeholder(name, fmt.Sprintf("[UNREADABLE FILE: %s - %v]", name, err))
		}
		return e.text(name, string(data))

	case ext == ".html" || ext == ".htm":
		return e.encodeHTML(path, name)

	case ext == ".pdf":
		text, err := extractPDF(path)
		if err != nil {
			return placeholder(name, fmt.Sprintf("[PDF FILE: %s - extraction failed: %v]", name, err))
		}
		return e.text(name, text)

	case ext == ".docx" || ext == ".doc":
		text, err := extractDOCX(path)
		if err != nil {
			return placeholder(name, fmt.Sprintf("[WORD FILE: %s - extraction failed: %v]", name, err))
		}
		return e.text(name, text)

	case ext == ".xlsx" || ext == ".xls":
		text, err := extractXLSX(path)
		if err != nil {
			return placeholder(name, fmt.Sprintf("[EXCEL FILE: %s - extraction failed: %v]", name, err))
		}
		return e.text(name, text)

	default:
		if mime, ok := imageMIMETypes[ext]; ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return placeholder(name, fmt.Sprintf("[IMAGE FILE: %s - %v]", name, err))
			}
			return Fragment{Kind: KindImage, FileName: name, Data: data, MIMEType: mime}
		}
		return placeholder(name, fmt.Sprintf("[BINARY FILE: %s - type: %s]", name, ext))
	}
}

// encodeHTML reduces an HTML file to readable article text, falling back
// to the raw markup when extraction finds nothing usable.
func (e *Encoder) encodeHTML(path, name string) Fragment {
	data, err := os.ReadFile(path)
	if err != nil {
		return placeholder(name, fmt.Sprintf("[UNREADABLE FILE: %s - %v]", name, err))
	}

	pageURL := &url.URL{Scheme: "file", Path: path}
	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err == nil {
		if text := strings.TrimSpace(article.TextContent); text != "" {
			return e.text(name, text)
		}
	}
	return e.text(name, string(data))
}

func (e *Encoder) text(name, content string) Fragment {
	if len(content) > e.charLimit {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		cut := e.charLimit
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + "\n[... content truncated ...]"
	}
	return Fragment{Kind: KindText, FileName: name, Text: content}
}

func placeholder(name, text string) Fragment {
	return Fragment{Kind: KindPlaceholder, FileName: name, Text: text}
}
